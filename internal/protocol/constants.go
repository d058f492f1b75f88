// Package protocol implements the SMA Speedwire request/response protocol:
// frame construction, header parsing and the telemetry record decoders.
package protocol

// Outer (L1) and inner (L2) frame signatures.
const (
	l1Marker1   = 0xA0020400
	l1Marker2   = 0xFFFFFFFF
	l2Signature = 0x65601000
)

// smaSignature opens every Speedwire frame ('SMA\0').
var smaSignature = []byte{'S', 'M', 'A', 0}

// Network constants. The multicast group and port are fixed by the
// protocol; they are configuration at the transport boundary, not logic.
const (
	DefaultPort      = 9522
	MulticastAddress = "239.12.255.254"
)

// Addressing constants.
const (
	AppSUSyID = 125    // client application device-class id
	AnySUSyID = 0xFFFF // wildcard destination
	AnySerial = 0xFFFFFFFF
)

// User groups for login.
const (
	UserGroupUser      = 0x07
	UserGroupInstaller = 0x0A
)

// Password obfuscation offsets per user group; the same byte pads the
// unused remainder of the 12-byte password field.
const (
	passwordOffsetUser      = 0x88
	passwordOffsetInstaller = 0xBB
	passwordFieldLen        = 12
)

// MaxRetry is the per-request retry ceiling for unanswered data requests.
const MaxRetry = 3

// Control bytes for data requests.
const (
	CtrlSpot    = 0xA0
	CtrlArchive = 0xE0
)

// Lri is a logical record identifier: the 24-bit measurement code portion
// of a record tag, with the sub-index byte cleared.
type Lri uint32

// Logical record identifiers for telemetry queries.
const (
	OperationHealth        Lri = 0x00214800 // device status
	CoolsysTmpNom          Lri = 0x00237700 // device temperature
	DcMsWatt               Lri = 0x00251E00 // DC power per input
	MeteringTotWhOut       Lri = 0x00260100 // total yield
	MeteringDyWhOut        Lri = 0x00262200 // day yield
	GridMsTotW             Lri = 0x00263F00 // total AC power
	BatChaStt              Lri = 0x00295A00 // battery charge status
	OperationGriSwStt      Lri = 0x00416400 // grid relay status
	DcMsVol                Lri = 0x00451F00 // DC voltage per input
	DcMsAmp                Lri = 0x00452100 // DC current per input
	MeteringTotOpTms       Lri = 0x00462E00 // operating time
	MeteringTotFeedTms     Lri = 0x00462F00 // feed-in time
	MeteringGridMsTotWOut  Lri = 0x00463600 // grid feed-in power
	MeteringGridMsTotWIn   Lri = 0x00463700 // grid reference power
	GridMsWphsA            Lri = 0x00464000 // power L1
	GridMsWphsB            Lri = 0x00464100 // power L2
	GridMsWphsC            Lri = 0x00464200 // power L3
	GridMsPhVphsA          Lri = 0x00464800 // voltage L1
	GridMsPhVphsB          Lri = 0x00464900 // voltage L2
	GridMsPhVphsC          Lri = 0x00464A00 // voltage L3
	GridMsAphsA1           Lri = 0x00465000 // current L1
	GridMsAphsB1           Lri = 0x00465100 // current L2
	GridMsAphsC1           Lri = 0x00465200 // current L3
	GridMsAphsA            Lri = 0x00465300 // current L1 alt
	GridMsAphsB            Lri = 0x00465400 // current L2 alt
	GridMsAphsC            Lri = 0x00465500 // current L3 alt
	GridMsHz               Lri = 0x00465700 // grid frequency
	BatDiagCapacThrpCnt    Lri = 0x00491E00 // battery charge throughputs
	BatDiagTotAhIn         Lri = 0x00492600 // battery charge Ah
	BatDiagTotAhOut        Lri = 0x00492700 // battery discharge Ah
	BatTmpVal              Lri = 0x00495B00 // battery temperature
	BatVol                 Lri = 0x00495C00 // battery voltage
	BatAmp                 Lri = 0x00495D00 // battery current
	NameplateLocation      Lri = 0x00821E00 // device name
	NameplateMainModel     Lri = 0x00821F00 // device class
	NameplateModel         Lri = 0x00822000 // device type
	NameplatePkgRev        Lri = 0x00823400 // software version
)

// Value-type discriminants carried in the high byte of a record tag.
const (
	DataTypeULong  = 0
	DataTypeStatus = 8
	DataTypeString = 16
	DataTypeFloat  = 32
	DataTypeSLong  = 64
)

// Foreign broadcast frame sizes sharing the multicast group (energy
// meters and Sunny Home Manager). These are discarded on receive without
// consuming a retry attempt.
var ForeignFrameSizes = map[int]bool{600: true, 608: true}
