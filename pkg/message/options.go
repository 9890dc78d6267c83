package message

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// Option construction errors.
var (
	ErrOptionKind    = errors.New("option value has wrong kind")
	ErrOptionLength  = errors.New("option value length out of range")
	ErrDefaultValue  = errors.New("option value equals its default and must be elided")
	ErrUnknownOption = errors.New("unknown option")
	ErrInvalidString = errors.New("option string is not valid UTF-8")
)

// maxOptionLength is the longest value the TLV length field can express.
const maxOptionLength = 65535 + 269

// OptionNumber identifies an option.
type OptionNumber uint16

// Registered option numbers.
const (
	IfMatch       OptionNumber = 1
	URIHost       OptionNumber = 3
	ETag          OptionNumber = 4
	IfNoneMatch   OptionNumber = 5
	Observe       OptionNumber = 6
	URIPort       OptionNumber = 7
	LocationPath  OptionNumber = 8
	URIPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	MaxAge        OptionNumber = 14
	URIQuery      OptionNumber = 15
	Accept        OptionNumber = 17
	LocationQuery OptionNumber = 20
	Block2        OptionNumber = 23
	Block1        OptionNumber = 27
	Size2         OptionNumber = 28
	ProxyURI      OptionNumber = 35
	ProxyScheme   OptionNumber = 39
	Size1         OptionNumber = 60
	NoResponse    OptionNumber = 258
)

// Critical reports whether an unrecognized occurrence of this option must
// abort processing. Odd numbers are critical.
func (n OptionNumber) Critical() bool { return n&1 != 0 }

// UnsafeToForward reports whether a proxy must understand the option.
func (n OptionNumber) UnsafeToForward() bool { return n&2 != 0 }

// NoCacheKey reports whether the option is excluded from the cache key.
func (n OptionNumber) NoCacheKey() bool { return n&0x1e == 0x1c }

// String returns the registered name, or the number for unknown options.
func (n OptionNumber) String() string {
	if def, ok := registry[n]; ok {
		return def.Name
	}
	return fmt.Sprintf("Option(%d)", uint16(n))
}

// Kind is the value encoding of an option.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindOpaque
	KindString
	KindUint
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindOpaque:
		return "opaque"
	case KindString:
		return "string"
	case KindUint:
		return "uint"
	default:
		return "unknown"
	}
}

// OptionDef is the registry entry for one option number.
type OptionDef struct {
	Number     OptionNumber
	Name       string
	Kind       Kind
	MinLen     int
	MaxLen     int
	Repeatable bool

	// HasDefault marks options whose absence implies Default.
	HasDefault bool
	Default    uint32
}

var registry = map[OptionNumber]OptionDef{
	IfMatch:       {Number: IfMatch, Name: "If-Match", Kind: KindOpaque, MinLen: 0, MaxLen: 8, Repeatable: true},
	URIHost:       {Number: URIHost, Name: "Uri-Host", Kind: KindString, MinLen: 1, MaxLen: 255},
	ETag:          {Number: ETag, Name: "ETag", Kind: KindOpaque, MinLen: 1, MaxLen: 8, Repeatable: true},
	IfNoneMatch:   {Number: IfNoneMatch, Name: "If-None-Match", Kind: KindEmpty},
	Observe:       {Number: Observe, Name: "Observe", Kind: KindUint, MaxLen: 3},
	URIPort:       {Number: URIPort, Name: "Uri-Port", Kind: KindUint, MaxLen: 2, HasDefault: true, Default: 5683},
	LocationPath:  {Number: LocationPath, Name: "Location-Path", Kind: KindString, MaxLen: 255, Repeatable: true},
	URIPath:       {Number: URIPath, Name: "Uri-Path", Kind: KindString, MaxLen: 255, Repeatable: true},
	ContentFormat: {Number: ContentFormat, Name: "Content-Format", Kind: KindUint, MaxLen: 2},
	MaxAge:        {Number: MaxAge, Name: "Max-Age", Kind: KindUint, MaxLen: 4, HasDefault: true, Default: 60},
	URIQuery:      {Number: URIQuery, Name: "Uri-Query", Kind: KindString, MaxLen: 255, Repeatable: true},
	Accept:        {Number: Accept, Name: "Accept", Kind: KindUint, MaxLen: 2},
	LocationQuery: {Number: LocationQuery, Name: "Location-Query", Kind: KindString, MaxLen: 255, Repeatable: true},
	Block2:        {Number: Block2, Name: "Block2", Kind: KindUint, MaxLen: 3},
	Block1:        {Number: Block1, Name: "Block1", Kind: KindUint, MaxLen: 3},
	Size2:         {Number: Size2, Name: "Size2", Kind: KindUint, MaxLen: 4},
	ProxyURI:      {Number: ProxyURI, Name: "Proxy-Uri", Kind: KindString, MinLen: 1, MaxLen: 1034},
	ProxyScheme:   {Number: ProxyScheme, Name: "Proxy-Scheme", Kind: KindString, MinLen: 1, MaxLen: 255},
	Size1:         {Number: Size1, Name: "Size1", Kind: KindUint, MaxLen: 4},
	NoResponse:    {Number: NoResponse, Name: "No-Response", Kind: KindUint, MaxLen: 1},
}

// Lookup returns the registry entry for n.
func Lookup(n OptionNumber) (OptionDef, bool) {
	def, ok := registry[n]
	return def, ok
}

// Value is an immutable typed option value.
type Value struct {
	kind Kind
	raw  string
}

// EmptyValue returns the zero-length empty value.
func EmptyValue() Value { return Value{kind: KindEmpty} }

// OpaqueValue returns an opaque value holding a copy of b.
func OpaqueValue(b []byte) Value { return Value{kind: KindOpaque, raw: string(b)} }

// StringValue returns a UTF-8 string value.
func StringValue(s string) Value { return Value{kind: KindString, raw: s} }

// UintValue returns v in its shortest big-endian form. Zero has length 0.
func UintValue(v uint32) Value {
	var b [4]byte
	n := 0
	for shift := 24; shift >= 0; shift -= 8 {
		octet := byte(v >> uint(shift))
		if n == 0 && octet == 0 {
			continue
		}
		b[n] = octet
		n++
	}
	return Value{kind: KindUint, raw: string(b[:n])}
}

// Kind returns the value encoding.
func (v Value) Kind() Kind { return v.kind }

// Len returns the encoded length.
func (v Value) Len() int { return len(v.raw) }

// Bytes returns a copy of the encoded value.
func (v Value) Bytes() []byte { return []byte(v.raw) }

// Text returns the value as a string.
func (v Value) Text() string { return v.raw }

// Uint decodes the value as a big-endian unsigned integer.
func (v Value) Uint() uint32 {
	var n uint32
	for i := 0; i < len(v.raw); i++ {
		n = n<<8 | uint32(v.raw[i])
	}
	return n
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindEmpty:
		return ""
	case KindString:
		return v.raw
	case KindUint:
		return fmt.Sprintf("%d", v.Uint())
	default:
		return fmt.Sprintf("0x%x", v.raw)
	}
}

// Option is one option instance.
type Option struct {
	Number OptionNumber
	Value  Value
}

// NewOption validates v against the registry entry for n. Unknown numbers
// accept any opaque value that fits the wire format.
func NewOption(n OptionNumber, v Value) (Option, error) {
	def, known := registry[n]
	if !known {
		if v.Len() > maxOptionLength {
			return Option{}, fmt.Errorf("%s: %w", n, ErrOptionLength)
		}
		return Option{Number: n, Value: v}, nil
	}
	if v.kind != def.Kind {
		return Option{}, fmt.Errorf("%s: %w: got %s, want %s", def.Name, ErrOptionKind, v.kind, def.Kind)
	}
	if v.Len() < def.MinLen || v.Len() > def.MaxLen {
		return Option{}, fmt.Errorf("%s: %w: %d not in [%d,%d]", def.Name, ErrOptionLength, v.Len(), def.MinLen, def.MaxLen)
	}
	if def.Kind == KindString && !utf8.ValidString(v.raw) {
		return Option{}, fmt.Errorf("%s: %w", def.Name, ErrInvalidString)
	}
	if def.HasDefault && v.Uint() == def.Default {
		return Option{}, fmt.Errorf("%s: %w", def.Name, ErrDefaultValue)
	}
	return Option{Number: n, Value: v}, nil
}

// decodeOption builds an option from wire bytes.
func decodeOption(n OptionNumber, raw []byte) (Option, error) {
	def, known := registry[n]
	if !known {
		return Option{}, ErrUnknownOption
	}
	var v Value
	switch def.Kind {
	case KindEmpty:
		v = EmptyValue()
		if len(raw) != 0 {
			return Option{}, ErrOptionLength
		}
	case KindOpaque:
		v = OpaqueValue(raw)
	case KindString:
		v = StringValue(string(raw))
	case KindUint:
		if len(raw) > def.MaxLen {
			return Option{}, ErrOptionLength
		}
		// Leading zero bytes are legal on the wire; keep the shortest form.
		v = UintValue(Value{kind: KindUint, raw: string(raw)}.Uint())
	}
	return NewOption(n, v)
}

// Options is an ordered multi-valued option list, kept ascending by number.
// Repeated numbers keep their insertion order.
type Options []Option

// Add appends a validated option after any existing options with the same
// number.
func (o *Options) Add(n OptionNumber, v Value) error {
	opt, err := NewOption(n, v)
	if err != nil {
		return err
	}
	*o = slices.Insert(*o, o.insertIndex(n), opt)
	return nil
}

// insertIndex returns the position after the last option numbered <= n.
func (o Options) insertIndex(n OptionNumber) int {
	if idx := slices.IndexFunc(o, func(e Option) bool { return e.Number > n }); idx >= 0 {
		return idx
	}
	return len(o)
}

// Set replaces all options with number n by v.
func (o *Options) Set(n OptionNumber, v Value) error {
	opt, err := NewOption(n, v)
	if err != nil {
		return err
	}
	o.Remove(n)
	*o = slices.Insert(*o, o.insertIndex(n), opt)
	return nil
}

// Remove deletes all options with number n.
func (o *Options) Remove(n OptionNumber) {
	*o = slices.DeleteFunc(*o, func(e Option) bool { return e.Number == n })
}

// Get returns the first value for n.
func (o Options) Get(n OptionNumber) (Value, bool) {
	for _, opt := range o {
		if opt.Number == n {
			return opt.Value, true
		}
	}
	return Value{}, false
}

// GetAll returns every value for n in order.
func (o Options) GetAll(n OptionNumber) []Value {
	var out []Value
	for _, opt := range o {
		if opt.Number == n {
			out = append(out, opt.Value)
		}
	}
	return out
}

// Has reports whether n is present.
func (o Options) Has(n OptionNumber) bool {
	_, ok := o.Get(n)
	return ok
}

// Uint returns the first value of n as an integer.
func (o Options) Uint(n OptionNumber) (uint32, bool) {
	v, ok := o.Get(n)
	if !ok {
		return 0, false
	}
	return v.Uint(), true
}

// Clone returns a copy of the list. Values are immutable and shared.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	return slices.Clone(o)
}

// SetUint sets a uint option.
func (o *Options) SetUint(n OptionNumber, v uint32) error {
	return o.Set(n, UintValue(v))
}

// Path returns the Uri-Path segments joined into an absolute path.
func (o Options) Path() string {
	segs := o.GetAll(URIPath)
	if len(segs) == 0 {
		return "/"
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text()
	}
	return "/" + strings.Join(parts, "/")
}

// SetPath replaces the Uri-Path options with the segments of p.
func (o *Options) SetPath(p string) error {
	o.Remove(URIPath)
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		if err := o.Add(URIPath, StringValue(seg)); err != nil {
			return err
		}
	}
	return nil
}

// Queries returns the Uri-Query values.
func (o Options) Queries() []string {
	vals := o.GetAll(URIQuery)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = v.Text()
	}
	return out
}

// AddQuery appends a Uri-Query option.
func (o *Options) AddQuery(q string) error {
	return o.Add(URIQuery, StringValue(q))
}

// ContentFormat returns the Content-Format option.
func (o Options) ContentFormat() (uint32, bool) { return o.Uint(ContentFormat) }

// Accept returns the Accept option.
func (o Options) Accept() (uint32, bool) { return o.Uint(Accept) }

// Observe returns the Observe option.
func (o Options) Observe() (uint32, bool) { return o.Uint(Observe) }

// ETag returns the first ETag option.
func (o Options) ETag() ([]byte, bool) {
	v, ok := o.Get(ETag)
	if !ok {
		return nil, false
	}
	return v.Bytes(), true
}

// MaxAge returns the Max-Age option, or its default when absent.
func (o Options) MaxAge() uint32 {
	if v, ok := o.Uint(MaxAge); ok {
		return v
	}
	return registry[MaxAge].Default
}

// String renders the options for logs.
func (o Options) String() string {
	var sb strings.Builder
	for i, opt := range o {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s=%s", opt.Number, opt.Value)
	}
	return sb.String()
}
