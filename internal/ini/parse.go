package ini

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openefi/megalink/internal/expr"
)

// Load parses the definition file at path. #include directives resolve
// relative to the including file.
func Load(path string) (*Definition, error) {
	return LoadWithFlags(path)
}

// LoadWithFlags parses with the given preprocessor flags pre-set, as if
// each had appeared in a #set before the first line.
func LoadWithFlags(path string, flags ...string) (*Definition, error) {
	pp := newPreprocessor(flags)
	if err := pp.processFile(path); err != nil {
		return nil, err
	}
	return parseLines(pp.out, pp.defines)
}

// Parse parses an in-memory definition. name labels error locations and
// anchors relative includes.
func Parse(name string, data []byte) (*Definition, error) {
	pp := newPreprocessor(nil)
	if err := pp.processData(name, decodeText(data)); err != nil {
		return nil, err
	}
	return parseLines(pp.out, pp.defines)
}

type fileParser struct {
	def     *Definition
	defines map[string][]string

	section  string
	page     int
	curTable *TableDef
	curCurve *CurveDef
}

func parseLines(lines []srcLine, defines map[string][]string) (*Definition, error) {
	p := &fileParser{
		def: &Definition{
			Constants:    make(map[string]*Constant),
			Channels:     make(map[string]*OutputChannel),
			tablesByName: make(map[string]*TableDef),
			tablesByMap:  make(map[string]*TableDef),
			curvesByName: make(map[string]*CurveDef),
		},
		defines: defines,
	}
	sawMegaTune, sawConstants := false, false
	for _, ln := range lines {
		if strings.HasPrefix(ln.text, "[") && strings.HasSuffix(ln.text, "]") {
			p.section = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(ln.text, "["), "]"))
			p.curTable, p.curCurve = nil, nil
			switch p.section {
			case "megatune":
				sawMegaTune = true
			case "constants":
				sawConstants = true
			}
			continue
		}
		key, val, ok := strings.Cut(ln.text, "=")
		if !ok {
			switch p.section {
			case "megatune", "constants", "outputchannels", "tableeditor", "curve", "curveeditor":
				return nil, errAtf(ln.file, ln.num, ErrBadEntry, "expected key = value")
			default:
				continue
			}
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		var err error
		switch p.section {
		case "megatune":
			p.megaTune(key, val)
		case "constants":
			err = p.constants(ln, key, val)
		case "outputchannels":
			err = p.outputChannels(ln, key, val)
		case "tableeditor":
			err = p.tableEditor(ln, key, val)
		case "curve", "curveeditor":
			err = p.curve(ln, key, val)
		}
		if err != nil {
			return nil, err
		}
	}
	root := ""
	if len(lines) > 0 {
		root = lines[0].file
	}
	if !sawMegaTune {
		return nil, errAtf(root, 0, ErrMissingSection, "[MegaTune]")
	}
	if !sawConstants {
		return nil, errAtf(root, 0, ErrMissingSection, "[Constants]")
	}
	return p.finish(root)
}

func (p *fileParser) finish(root string) (*Definition, error) {
	d := p.def
	if d.Signature == "" {
		return nil, errAtf(root, 0, ErrMissingField, "signature")
	}
	if d.QueryCommand == "" {
		return nil, errAtf(root, 0, ErrMissingField, "queryCommand")
	}
	if d.NPages == 0 {
		d.NPages = len(d.PageSizes)
	}
	if d.NPages != len(d.PageSizes) {
		return nil, errAtf(root, 0, ErrBadEntry, "nPages = %d but %d page sizes declared", d.NPages, len(d.PageSizes))
	}
	return d, nil
}

func (p *fileParser) megaTune(key, val string) {
	switch strings.ToLower(key) {
	case "signature":
		p.def.Signature = unquote(val)
	case "querycommand":
		p.def.QueryCommand = unquote(val)
	case "versioninfo":
		p.def.VersionCmd = unquote(val)
	}
}

func (p *fileParser) constants(ln srcLine, key, val string) error {
	fields := splitFields(val)
	if isClassKeyword(fields[0]) {
		return p.constantEntry(ln, key, fields)
	}
	switch strings.ToLower(key) {
	case "page":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "bad page number %q", val)
		}
		p.page = n - 1
	case "endianness":
		switch val {
		case "little":
			p.def.BigEndian = false
		case "big":
			p.def.BigEndian = true
		default:
			return errAtf(ln.file, ln.num, ErrBadEntry, "endianness must be little or big, got %q", val)
		}
	case "npages":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "bad nPages %q", val)
		}
		p.def.NPages = n
	case "pagesize":
		p.def.PageSizes = p.def.PageSizes[:0]
		for _, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil || n < 1 {
				return errAtf(ln.file, ln.num, ErrBadEntry, "bad page size %q", f)
			}
			p.def.PageSizes = append(p.def.PageSizes, n)
		}
	case "messageenvelopeformat":
		if val != "msEnvelope_1.0" {
			return errAtf(ln.file, ln.num, ErrBadEntry, "unsupported envelope format %q", val)
		}
		p.def.Envelope = true
	case "pagereadcommand":
		p.def.ReadCommand = unquote(val)
	case "pagevaluewrite", "pagechunkwrite":
		p.def.WriteCommand = unquote(val)
	case "burncommand":
		p.def.BurnCommand = unquote(val)
	case "crc32checkcommand":
		p.def.CRCCommand = unquote(val)
	case "interwritedelay":
		p.def.InterWriteDelay = millisSetting(val)
	case "blockreadtimeout":
		p.def.BlockReadTimeout = millisSetting(val)
	case "delayafterportopen":
		p.def.DelayAfterPortOpen = millisSetting(val)
	}
	return nil
}

func (p *fileParser) constantEntry(ln srcLine, name string, fields []string) error {
	c := &Constant{Name: name, Page: p.page, Scale: 1}
	switch fields[0] {
	case "scalar":
		c.Class = ClassScalar
	case "bits":
		c.Class = ClassBits
	case "array":
		c.Class = ClassArray
	case "string":
		c.Class = ClassString
	}
	if len(fields) < 3 {
		return errAtf(ln.file, ln.num, ErrBadEntry, "constant %s wants TYPE and offset", name)
	}
	t, big, err := parseTypeToken(fields[1])
	if err != nil {
		return errAt(ln.file, ln.num, fmt.Errorf("constant %s: %w", name, err))
	}
	c.Type, c.BigEndian = t, big
	c.Offset, err = strconv.Atoi(fields[2])
	if err != nil || c.Offset < 0 {
		return errAtf(ln.file, ln.num, ErrBadEntry, "constant %s: bad offset %q", name, fields[2])
	}
	rest := fields[3:]
	switch c.Class {
	case ClassScalar:
		scalarTail(&c.Units, &c.Scale, &c.Translate, &c.Low, &c.High, &c.Digits, rest)
	case ClassBits:
		if len(rest) == 0 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "constant %s: bits wants [lo:hi]", name)
		}
		c.BitLo, c.BitHi, err = parseBitRange(rest[0])
		if err != nil {
			return errAt(ln.file, ln.num, fmt.Errorf("constant %s: %w", name, err))
		}
		if c.BitHi >= c.Type.Size()*8 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "constant %s: bit %d exceeds %s width", name, c.BitHi, c.Type)
		}
		c.Options, err = p.expandOptions(rest[1:])
		if err != nil {
			return errAt(ln.file, ln.num, fmt.Errorf("constant %s: %w", name, err))
		}
	case ClassArray:
		if len(rest) == 0 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "constant %s: array wants [shape]", name)
		}
		c.Cols, c.Rows, err = parseShape(rest[0])
		if err != nil {
			return errAt(ln.file, ln.num, fmt.Errorf("constant %s: %w", name, err))
		}
		scalarTail(&c.Units, &c.Scale, &c.Translate, &c.Low, &c.High, &c.Digits, rest[1:])
	case ClassString:
		if len(rest) == 0 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "constant %s: string wants a length", name)
		}
		c.Length, err = strconv.Atoi(rest[0])
		if err != nil || c.Length < 1 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "constant %s: bad string length %q", name, rest[0])
		}
	}
	if _, dup := p.def.Constants[name]; !dup {
		p.def.ConstantOrder = append(p.def.ConstantOrder, name)
	}
	p.def.Constants[name] = c
	return nil
}

func (p *fileParser) outputChannels(ln srcLine, key, val string) error {
	switch strings.ToLower(key) {
	case "ochgetcommand":
		p.def.OchGetCommand = unquote(val)
		return nil
	case "ochblocksize":
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "bad ochBlockSize %q", val)
		}
		p.def.OchBlockSize = n
		return nil
	}
	if strings.HasPrefix(val, "{") {
		return p.computedChannel(ln, key, val)
	}
	fields := splitFields(val)
	if !isClassKeyword(fields[0]) {
		return nil
	}
	ch := &OutputChannel{Name: key, Scale: 1}
	switch fields[0] {
	case "scalar":
		ch.Class = ClassScalar
	case "bits":
		ch.Class = ClassBits
	default:
		return errAtf(ln.file, ln.num, ErrBadEntry, "channel %s: %s not valid here", key, fields[0])
	}
	if len(fields) < 3 {
		return errAtf(ln.file, ln.num, ErrBadEntry, "channel %s wants TYPE and offset", key)
	}
	t, big, err := parseTypeToken(fields[1])
	if err != nil {
		return errAt(ln.file, ln.num, fmt.Errorf("channel %s: %w", key, err))
	}
	ch.Type, ch.BigEndian = t, big
	ch.Offset, err = strconv.Atoi(fields[2])
	if err != nil || ch.Offset < 0 {
		return errAtf(ln.file, ln.num, ErrBadEntry, "channel %s: bad offset %q", key, fields[2])
	}
	rest := fields[3:]
	if ch.Class == ClassBits {
		if len(rest) == 0 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "channel %s: bits wants [lo:hi]", key)
		}
		ch.BitLo, ch.BitHi, err = parseBitRange(rest[0])
		if err != nil {
			return errAt(ln.file, ln.num, fmt.Errorf("channel %s: %w", key, err))
		}
		if ch.BitHi >= ch.Type.Size()*8 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "channel %s: bit %d exceeds %s width", key, ch.BitHi, ch.Type)
		}
	} else {
		var low, high float64
		scalarTail(&ch.Units, &ch.Scale, &ch.Translate, &low, &high, &ch.Digits, rest)
	}
	p.addChannel(ch)
	return nil
}

func (p *fileParser) computedChannel(ln srcLine, name, val string) error {
	end := strings.IndexByte(val, '}')
	if end < 0 {
		return errAtf(ln.file, ln.num, ErrBadEntry, "channel %s: unterminated { expression }", name)
	}
	src := strings.TrimSpace(val[1:end])
	e, err := expr.Parse(src)
	if err != nil {
		return errAt(ln.file, ln.num, fmt.Errorf("channel %s: expression: %w", name, err))
	}
	ch := &OutputChannel{Name: name, Expr: e, Scale: 1}
	tail := splitFields(strings.TrimPrefix(strings.TrimSpace(val[end+1:]), ","))
	if len(tail) > 0 {
		ch.Units = unquote(tail[0])
	}
	p.addChannel(ch)
	return nil
}

func (p *fileParser) addChannel(ch *OutputChannel) {
	if _, dup := p.def.Channels[ch.Name]; !dup {
		p.def.ChannelOrder = append(p.def.ChannelOrder, ch.Name)
	}
	p.def.Channels[ch.Name] = ch
}

func (p *fileParser) tableEditor(ln srcLine, key, val string) error {
	fields := splitFields(val)
	switch strings.ToLower(key) {
	case "table":
		if len(fields) < 4 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "table wants name, mapName, title, page")
		}
		page, err := strconv.Atoi(fields[3])
		if err != nil || page < 1 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "table %s: bad page %q", fields[0], fields[3])
		}
		t := &TableDef{
			Name:    fields[0],
			MapName: fields[1],
			Title:   unquote(fields[2]),
			Page:    page - 1,
		}
		p.curTable = t
		p.def.Tables = append(p.def.Tables, t)
		p.def.tablesByName[t.Name] = t
		p.def.tablesByMap[t.MapName] = t
	case "xbins", "ybins":
		if p.curTable == nil {
			return errAtf(ln.file, ln.num, ErrBadEntry, "%s outside a table", key)
		}
		bins := AxisBins{Constant: fields[0]}
		if len(bins.Constant) == 0 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "table %s: %s wants a constant name", p.curTable.Name, key)
		}
		if len(fields) > 1 {
			bins.Channel = fields[1]
		}
		if strings.ToLower(key) == "xbins" {
			p.curTable.XBins = bins
		} else {
			p.curTable.YBins = bins
		}
	case "zbins":
		if p.curTable == nil {
			return errAtf(ln.file, ln.num, ErrBadEntry, "zBins outside a table")
		}
		if len(fields[0]) == 0 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "table %s: zBins wants a constant name", p.curTable.Name)
		}
		p.curTable.ZBins = fields[0]
	}
	return nil
}

func (p *fileParser) curve(ln srcLine, key, val string) error {
	fields := splitFields(val)
	switch strings.ToLower(key) {
	case "curve":
		if len(fields) < 2 {
			return errAtf(ln.file, ln.num, ErrBadEntry, "curve wants name, title")
		}
		c := &CurveDef{Name: fields[0], Title: unquote(fields[1])}
		p.curCurve = c
		p.def.Curves = append(p.def.Curves, c)
		p.def.curvesByName[c.Name] = c
	case "xbins":
		if p.curCurve == nil {
			return errAtf(ln.file, ln.num, ErrBadEntry, "xBins outside a curve")
		}
		p.curCurve.XBins = AxisBins{Constant: fields[0]}
		if len(fields) > 1 {
			p.curCurve.XBins.Channel = fields[1]
		}
	case "ybins":
		if p.curCurve == nil {
			return errAtf(ln.file, ln.num, ErrBadEntry, "yBins outside a curve")
		}
		p.curCurve.YBins = fields[0]
	case "xaxis":
		if p.curCurve != nil && len(fields) >= 2 {
			p.curCurve.XRange[0] = lenientFloat(fields, 0, 0)
			p.curCurve.XRange[1] = lenientFloat(fields, 1, 0)
		}
	case "yaxis":
		if p.curCurve != nil && len(fields) >= 2 {
			p.curCurve.YRange[0] = lenientFloat(fields, 0, 0)
			p.curCurve.YRange[1] = lenientFloat(fields, 1, 0)
		}
	}
	return nil
}

func (p *fileParser) expandOptions(toks []string) ([]string, error) {
	var out []string
	for _, tok := range toks {
		if strings.HasPrefix(tok, "$") {
			name := tok[1:]
			list, ok := p.defines[name]
			if !ok {
				return nil, fmt.Errorf("%w: $%s", ErrUnknownMacro, name)
			}
			for _, item := range list {
				out = append(out, unquote(item))
			}
			continue
		}
		out = append(out, unquote(tok))
	}
	return out, nil
}

func isClassKeyword(s string) bool {
	switch s {
	case "scalar", "bits", "array", "string":
		return true
	}
	return false
}

// scalarTail fills the positional units/scale/translate/low/high/digits
// tail. Missing or malformed numerics keep their defaults; the dialect in
// the wild is too loose to reject them.
func scalarTail(units *string, scale, translate, low, high *float64, digits *int, rest []string) {
	if len(rest) > 0 {
		*units = unquote(rest[0])
	}
	*scale = lenientFloat(rest, 1, 1)
	*translate = lenientFloat(rest, 2, 0)
	*low = lenientFloat(rest, 3, 0)
	*high = lenientFloat(rest, 4, 0)
	*digits = int(lenientFloat(rest, 5, 0))
}

func lenientFloat(fields []string, idx int, def float64) float64 {
	if idx >= len(fields) || fields[idx] == "" {
		return def
	}
	f, err := strconv.ParseFloat(fields[idx], 64)
	if err != nil {
		return def
	}
	return f
}

func millisSetting(val string) time.Duration {
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func parseBitRange(tok string) (lo, hi int, err error) {
	inner, ok := strings.CutPrefix(tok, "[")
	if ok {
		inner, ok = strings.CutSuffix(inner, "]")
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad bit range %q", ErrBadEntry, tok)
	}
	loStr, hiStr, ok := strings.Cut(inner, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad bit range %q", ErrBadEntry, tok)
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(loStr))
	hi, err2 := strconv.Atoi(strings.TrimSpace(hiStr))
	if err1 != nil || err2 != nil || lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("%w: bad bit range %q", ErrBadEntry, tok)
	}
	return lo, hi, nil
}

func parseShape(tok string) (cols, rows int, err error) {
	inner, ok := strings.CutPrefix(tok, "[")
	if ok {
		inner, ok = strings.CutSuffix(inner, "]")
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad array shape %q", ErrBadEntry, tok)
	}
	colStr, rowStr, twoD := strings.Cut(inner, "x")
	cols, cerr := strconv.Atoi(strings.TrimSpace(colStr))
	if cerr != nil || cols < 1 {
		return 0, 0, fmt.Errorf("%w: bad array shape %q", ErrBadEntry, tok)
	}
	if !twoD {
		return cols, 1, nil
	}
	rows, rerr := strconv.Atoi(strings.TrimSpace(rowStr))
	if rerr != nil || rows < 1 {
		return 0, 0, fmt.Errorf("%w: bad array shape %q", ErrBadEntry, tok)
	}
	return cols, rows, nil
}

func splitFields(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
			cur.WriteByte(ch)
		case ch == ',' && !inQuote:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	return append(out, strings.TrimSpace(cur.String()))
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
