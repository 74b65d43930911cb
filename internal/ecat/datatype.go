package ecat

import "fmt"

// DataType is a CoE basic data type code as found in an object entry.
type DataType uint16

// CoE basic data types.
const (
	TypeUnknown       DataType = 0x0000
	TypeBoolean       DataType = 0x0001
	TypeInteger8      DataType = 0x0002
	TypeInteger16     DataType = 0x0003
	TypeInteger32     DataType = 0x0004
	TypeUnsigned8     DataType = 0x0005
	TypeUnsigned16    DataType = 0x0006
	TypeUnsigned32    DataType = 0x0007
	TypeReal32        DataType = 0x0008
	TypeVisibleString DataType = 0x0009
	TypeOctetString   DataType = 0x000A
	TypeInteger24     DataType = 0x0010
	TypeReal64        DataType = 0x0011
	TypeInteger64     DataType = 0x0015
	TypeUnsigned24    DataType = 0x0016
	TypeUnsigned64    DataType = 0x001B
	TypeBit1          DataType = 0x0030
	TypeBit2          DataType = 0x0031
	TypeBit3          DataType = 0x0032
	TypeBit4          DataType = 0x0033
	TypeBit5          DataType = 0x0034
	TypeBit6          DataType = 0x0035
	TypeBit7          DataType = 0x0036
	TypeBit8          DataType = 0x0037
)

var dataTypeNames = map[DataType]string{
	TypeBoolean:       "BOOLEAN",
	TypeInteger8:      "INTEGER8",
	TypeInteger16:     "INTEGER16",
	TypeInteger32:     "INTEGER32",
	TypeInteger24:     "INTEGER24",
	TypeInteger64:     "INTEGER64",
	TypeUnsigned8:     "UNSIGNED8",
	TypeUnsigned16:    "UNSIGNED16",
	TypeUnsigned32:    "UNSIGNED32",
	TypeUnsigned24:    "UNSIGNED24",
	TypeUnsigned64:    "UNSIGNED64",
	TypeReal32:        "REAL32",
	TypeReal64:        "REAL64",
	TypeBit1:          "BIT1",
	TypeBit2:          "BIT2",
	TypeBit3:          "BIT3",
	TypeBit4:          "BIT4",
	TypeBit5:          "BIT5",
	TypeBit6:          "BIT6",
	TypeBit7:          "BIT7",
	TypeBit8:          "BIT8",
	TypeVisibleString: "VISIBLE_STRING",
	TypeOctetString:   "OCTET_STRING",
}

// String returns the CoE name of the type, or "Type 0xNNNN" for codes
// without one.
func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type 0x%04X", uint16(t))
}

// ParseDataType resolves a CoE type name (as returned by String) to its code.
func ParseDataType(name string) (DataType, bool) {
	for t, n := range dataTypeNames {
		if n == name {
			return t, true
		}
	}
	return TypeUnknown, false
}

// isBitType reports whether t is one of BIT1..BIT8.
func (t DataType) isBitType() bool {
	return t >= TypeBit1 && t <= TypeBit8
}
