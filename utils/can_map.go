package utils

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // only "little" supported
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string
	CycleMS   int
	Signals   []SignalDef
}

// Signal returns the named signal definition.
func (fd *FrameDef) Signal(name string) (SignalDef, bool) {
	for _, s := range fd.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalDef{}, false
}

// CANMap indexes the frame layout loaded from can_map.csv.
type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

var canMapColumns = []string{
	"direction", "frame_id", "frame_name", "cycle_ms", "dlc",
	"signal_name", "start_bit", "bit_length", "endianness",
	"signed", "factor", "offset", "min", "max", "default", "unit", "comment",
}

// LoadCANMap reads a signal map CSV from disk.
func LoadCANMap(csvPath string) (*CANMap, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := ParseCANMap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", csvPath, err)
	}
	return m, nil
}

// ParseCANMap builds a CANMap from CSV rows, one row per signal.
func ParseCANMap(r io.Reader) (*CANMap, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, k := range canMapColumns {
		if _, ok := idx[k]; !ok {
			return nil, fmt.Errorf("can map missing required column: %q", k)
		}
	}

	m := &CANMap{
		ByID:   map[uint32]*FrameDef{},
		ByName: map[string]*FrameDef{},
	}

	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		p := rowParser{rec: rec, idx: idx}
		frameID := p.hexOrDec("frame_id")
		frameName := p.str("frame_name")
		cycleMS := p.int("cycle_ms")
		dlc := p.int("dlc")
		sig := SignalDef{
			Name:       p.str("signal_name"),
			StartBit:   p.int("start_bit"),
			BitLength:  p.int("bit_length"),
			Endianness: p.str("endianness"),
			Signed:     p.bool("signed"),
			Factor:     p.float("factor"),
			Offset:     p.float("offset"),
			Min:        p.float("min"),
			Max:        p.float("max"),
			Default:    p.float("default"),
			Unit:       p.str("unit"),
			Comment:    p.str("comment"),
		}
		if p.err != nil {
			return nil, fmt.Errorf("line %d: %w", line, p.err)
		}

		if sig.Endianness != "" && sig.Endianness != "little" {
			return nil, fmt.Errorf("frame %s signal %s: unsupported endianness %q (only little supported)",
				frameName, sig.Name, sig.Endianness)
		}
		if sig.BitLength <= 0 || sig.BitLength > 64 || sig.StartBit < 0 || sig.StartBit+sig.BitLength > 64 {
			return nil, fmt.Errorf("frame %s signal %s: invalid bit range %d+%d", frameName, sig.Name, sig.StartBit, sig.BitLength)
		}
		if sig.Factor == 0 {
			return nil, fmt.Errorf("frame %s signal %s: factor must be non-zero", frameName, sig.Name)
		}
		if dlc <= 0 || dlc > 8 {
			return nil, fmt.Errorf("frame %s (0x%X): invalid dlc %d", frameName, frameID, dlc)
		}
		if sig.StartBit+sig.BitLength > dlc*8 {
			return nil, fmt.Errorf("frame %s signal %s: exceeds dlc %d", frameName, sig.Name, dlc)
		}

		fd, ok := m.ByID[frameID]
		if !ok {
			fd = &FrameDef{
				ID:        frameID,
				Name:      frameName,
				DLC:       dlc,
				Direction: p.str("direction"),
				CycleMS:   cycleMS,
			}
			m.ByID[frameID] = fd
			m.ByName[frameName] = fd
		}
		if fd.Name != frameName {
			return nil, fmt.Errorf("frame id 0x%X used by both %s and %s", frameID, fd.Name, frameName)
		}
		if fd.DLC != dlc {
			return nil, fmt.Errorf("frame %s (0x%X) has inconsistent DLC (%d vs %d)", frameName, frameID, fd.DLC, dlc)
		}
		fd.Signals = append(fd.Signals, sig)
	}

	for _, fd := range m.ByID {
		sort.Slice(fd.Signals, func(i, j int) bool { return fd.Signals[i].StartBit < fd.Signals[j].StartBit })
	}
	return m, nil
}

func (m *CANMap) FrameByName(name string) (*FrameDef, error) {
	fd, ok := m.ByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown frame %q (available: %v)", name, m.FrameNames())
	}
	return fd, nil
}

func (m *CANMap) FrameByID(id uint32) (*FrameDef, error) {
	fd, ok := m.ByID[id]
	if !ok {
		return nil, fmt.Errorf("unknown frame id 0x%X", id)
	}
	return fd, nil
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// rowParser keeps the first conversion error so a row can be parsed
// field by field and checked once.
type rowParser struct {
	rec []string
	idx map[string]int
	err error
}

func (p *rowParser) str(col string) string {
	i := p.idx[col]
	if i >= len(p.rec) {
		return ""
	}
	return strings.TrimSpace(p.rec[i])
}

func (p *rowParser) fail(col string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", col, err)
	}
}

func (p *rowParser) int(col string) int {
	v, err := strconv.Atoi(p.str(col))
	if err != nil {
		p.fail(col, err)
	}
	return v
}

func (p *rowParser) float(col string) float64 {
	s := p.str(col)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(col, err)
	}
	return v
}

func (p *rowParser) bool(col string) bool {
	switch strings.ToLower(p.str(col)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (p *rowParser) hexOrDec(col string) uint32 {
	s := p.str(col)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	u, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		p.fail(col, err)
	}
	return uint32(u)
}
