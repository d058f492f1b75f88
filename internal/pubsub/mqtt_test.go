package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvgrid/go-speedwire/internal/config"
	"github.com/pvgrid/go-speedwire/internal/domain"
)

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	ctx := context.Background()

	assert.NoError(t, p.Connect(ctx))
	assert.NoError(t, p.Publish(ctx, "any/topic", map[string]int{"x": 1}))
	assert.NoError(t, p.Close())
}

func TestMQTTPublisherDisabledIsNoop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = false

	p := NewMQTTPublisher(cfg)
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx))
	require.NoError(t, p.Publish(ctx, "speedwire/inverter", "ignored"))
	require.NoError(t, p.Close())
}

// startTestBroker runs an embedded MQTT broker on an ephemeral port.
func startTestBroker(t *testing.T) (*mqttserver.Server, int) {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	broker := mqttserver.New(&mqttserver.Options{InlineClient: true})
	_ = broker.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: fmt.Sprintf(":%d", port),
	})
	require.NoError(t, broker.AddListener(tcp))

	go func() {
		if err := broker.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() { _ = broker.Close() })
	return broker, port
}

func TestMQTTPublisherPublishesSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping broker test in short mode")
	}

	_, port := startTestBroker(t)

	subOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port)).
		SetClientID("test-subscriber")
	sub := mqtt.NewClient(subOpts)
	token := sub.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer sub.Disconnect(250)

	received := make(chan []byte, 1)
	token = sub.Subscribe("speedwire/inverter", 0, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case received <- msg.Payload():
		default:
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "127.0.0.1"
	cfg.MQTT.Port = port

	p := NewMQTTPublisher(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, p.Connect(ctx))
	defer func() { _ = p.Close() }()

	state := domain.NewDeviceState()
	state.Identity = domain.DeviceIdentity{SUSyID: 378, Serial: 3010123456}
	state.TotalACPower = 2500
	require.NoError(t, p.Publish(ctx, "speedwire/inverter", state))

	select {
	case payload := <-received:
		var got domain.DeviceState
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, int64(2500), got.TotalACPower)
		assert.Equal(t, uint32(3010123456), got.Identity.Serial)
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived at the broker")
	}
}
