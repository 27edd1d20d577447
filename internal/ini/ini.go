// Package ini parses ECU definition files in the TunerStudio-style INI
// dialect: preprocessor directives (#include, #if, #define), section-based
// field metadata for constants and output channels, table and curve
// editor descriptions, and protocol settings. A parsed Definition is the
// single source of truth for field layout, scaling and the command set an
// ECU speaks; it is immutable after Load and safe for concurrent readers.
package ini

import (
	"fmt"
	"time"

	"github.com/openefi/megalink/internal/expr"
)

// DataType is the wire representation of a field.
type DataType int

const (
	TypeInvalid DataType = iota
	TypeU08
	TypeS08
	TypeU16
	TypeS16
	TypeU32
	TypeS32
	TypeF32
	TypeASCII
)

var typeNames = map[string]DataType{
	"U08": TypeU08, "S08": TypeS08,
	"U16": TypeU16, "S16": TypeS16,
	"U32": TypeU32, "S32": TypeS32,
	"F32": TypeF32, "ASCII": TypeASCII,
}

var typeStrings = map[DataType]string{
	TypeU08: "U08", TypeS08: "S08",
	TypeU16: "U16", TypeS16: "S16",
	TypeU32: "U32", TypeS32: "S32",
	TypeF32: "F32", TypeASCII: "ASCII",
}

func (t DataType) String() string {
	if s, ok := typeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Size returns the field width in bytes. ASCII fields carry their length
// separately and report 1 here.
func (t DataType) Size() int {
	switch t {
	case TypeU08, TypeS08, TypeASCII:
		return 1
	case TypeU16, TypeS16:
		return 2
	case TypeU32, TypeS32, TypeF32:
		return 4
	}
	return 0
}

// Signed reports whether the type sign-extends.
func (t DataType) Signed() bool {
	return t == TypeS08 || t == TypeS16 || t == TypeS32
}

// parseTypeToken resolves a TYPE token, honoring the "B" prefix that
// forces big-endian decoding for that field regardless of the global
// byte order ("BU16").
func parseTypeToken(tok string) (DataType, bool, error) {
	if t, ok := typeNames[tok]; ok {
		return t, false, nil
	}
	if len(tok) > 1 && tok[0] == 'B' {
		if t, ok := typeNames[tok[1:]]; ok {
			return t, true, nil
		}
	}
	return TypeInvalid, false, fmt.Errorf("%w: %q", ErrUnknownType, tok)
}

// Class discriminates the shapes a constant or channel can take.
type Class int

const (
	ClassInvalid Class = iota
	ClassScalar
	ClassBits
	ClassArray
	ClassString
)

func (c Class) String() string {
	switch c {
	case ClassScalar:
		return "scalar"
	case ClassBits:
		return "bits"
	case ClassArray:
		return "array"
	case ClassString:
		return "string"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Constant describes one tunable field in ECU page memory. Display values
// derive from raw as raw*Scale + Translate.
type Constant struct {
	Name      string
	Class     Class
	Type      DataType
	Page      int // 0-based page index
	Offset    int // byte offset within the page
	Units     string
	Scale     float64
	Translate float64
	Low       float64
	High      float64
	Digits    int

	// ClassBits only.
	BitLo, BitHi int
	Options      []string

	// ClassArray only: Cols x Rows cells ([16x16], [8] means 8x1).
	Cols, Rows int

	// ClassString only.
	Length int

	// BigEndian is the per-field byte order override ("BU16" etc).
	BigEndian bool
}

// ByteSize is the total footprint of the field in page memory.
func (c *Constant) ByteSize() int {
	switch c.Class {
	case ClassArray:
		return c.Type.Size() * c.Cols * c.Rows
	case ClassString:
		return c.Length
	default:
		return c.Type.Size()
	}
}

// OutputChannel describes one realtime value: either a field decoded from
// the realtime block, or a computed channel whose expression references
// other channels by name.
type OutputChannel struct {
	Name      string
	Class     Class
	Type      DataType
	Offset    int // byte offset within the realtime block
	Units     string
	Scale     float64
	Translate float64
	Digits    int

	BitLo, BitHi int
	BigEndian    bool

	// Expr is non-nil for computed channels, which occupy no bytes in
	// the realtime block.
	Expr *expr.Expr
}

// Computed reports whether the channel derives from an expression rather
// than block bytes.
func (ch *OutputChannel) Computed() bool { return ch.Expr != nil }

// AxisBins names the constant holding an axis' bin values and the runtime
// channel that moves the editor crosshair along it.
type AxisBins struct {
	Constant string
	Channel  string
}

// TableDef is 3D table-editor metadata. Cell layout lives in the
// referenced array constants; lookups of those names resolve at use time.
type TableDef struct {
	Name    string
	MapName string
	Title   string
	Page    int
	XBins   AxisBins
	YBins   AxisBins
	ZBins   string
}

// CurveDef is 2D curve-editor metadata.
type CurveDef struct {
	Name   string
	Title  string
	XBins  AxisBins
	YBins  string
	XRange [2]float64
	YRange [2]float64
}

// Definition is a fully parsed ECU definition.
type Definition struct {
	Signature    string
	QueryCommand string
	VersionCmd   string

	// BigEndian is the global multi-byte order for page and realtime
	// data. Individual fields may override it.
	BigEndian bool

	NPages    int
	PageSizes []int

	// Envelope selects the framed protocol variant (length-prefixed,
	// CRC-suffixed packets) over raw command/reply exchanges.
	Envelope bool

	ReadCommand  string
	WriteCommand string
	BurnCommand  string
	CRCCommand   string

	OchGetCommand string
	OchBlockSize  int

	InterWriteDelay    time.Duration
	BlockReadTimeout   time.Duration
	DelayAfterPortOpen time.Duration

	Constants     map[string]*Constant
	ConstantOrder []string
	Channels      map[string]*OutputChannel
	ChannelOrder  []string
	Tables        []*TableDef
	Curves        []*CurveDef

	tablesByName map[string]*TableDef
	tablesByMap  map[string]*TableDef
	curvesByName map[string]*CurveDef
}

// Constant looks up a tunable field by name.
func (d *Definition) Constant(name string) (*Constant, bool) {
	c, ok := d.Constants[name]
	return c, ok
}

// Channel looks up an output channel by name.
func (d *Definition) Channel(name string) (*OutputChannel, bool) {
	ch, ok := d.Channels[name]
	return ch, ok
}

// Table looks up table metadata by table name.
func (d *Definition) Table(name string) (*TableDef, bool) {
	t, ok := d.tablesByName[name]
	return t, ok
}

// TableByMap looks up table metadata by its map name, the identifier
// burn and editor commands reference.
func (d *Definition) TableByMap(mapName string) (*TableDef, bool) {
	t, ok := d.tablesByMap[mapName]
	return t, ok
}

// Curve looks up curve metadata by name.
func (d *Definition) Curve(name string) (*CurveDef, bool) {
	c, ok := d.curvesByName[name]
	return c, ok
}

// PageSize returns the declared byte size of a 0-based page index.
func (d *Definition) PageSize(page int) (int, error) {
	if page < 0 || page >= len(d.PageSizes) {
		return 0, fmt.Errorf("page %d out of range (have %d pages)", page, len(d.PageSizes))
	}
	return d.PageSizes[page], nil
}

// TableShape resolves a table's dimensions from its value constant.
// Missing references fail here, not at parse time.
func (d *Definition) TableShape(t *TableDef) (cols, rows int, err error) {
	z, ok := d.Constants[t.ZBins]
	if !ok {
		return 0, 0, fmt.Errorf("table %s: value constant %q not defined", t.Name, t.ZBins)
	}
	if z.Class != ClassArray {
		return 0, 0, fmt.Errorf("table %s: constant %q is %s, want array", t.Name, t.ZBins, z.Class)
	}
	return z.Cols, z.Rows, nil
}

// TableCellCount is cols*rows for the table's value constant.
func (d *Definition) TableCellCount(t *TableDef) (int, error) {
	cols, rows, err := d.TableShape(t)
	if err != nil {
		return 0, err
	}
	return cols * rows, nil
}
