package inspect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/ecatd/internal/ecat"
)

var helpText = []string{
	"  ACCEPTED COMMANDS:",
	"  'bye'                     End this network connection",
	"  'quit'                    Virtual Control+C on the server",
	"  'dump'                    Dump the current IOmap",
	"  'meta all'                Show mappings for all PDOs",
	"  'meta slave:idx:subidx'   Show mappings for given PDO (format int:hex:hex)",
	"  'get slave:idx:subidx'    Get current value for given PDO (format int:hex:hex)",
}

const errNotLive = "err: not inOP or not updating"

// execute runs one command line. Tokens must match exactly.
func (s *Server) execute(sess *session, line string) ([]string, action) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return s.unknown(line), actionContinue
	}

	switch fields[0] {
	case "bye":
		if len(fields) == 1 {
			return []string{"bye"}, actionClose
		}
	case "quit":
		if len(fields) == 1 {
			return s.quitCommand(sess)
		}
	case "help":
		if len(fields) == 1 {
			return helpText, actionContinue
		}
	case "dump":
		if len(fields) == 1 {
			return s.dump(), actionContinue
		}
	case "meta":
		return s.meta(fields[1:]), actionContinue
	case "get":
		return s.get(fields[1:]), actionContinue
	}
	return s.unknown(line), actionContinue
}

func (s *Server) unknown(line string) []string {
	return []string{fmt.Sprintf("err: unknown command '%s'", line)}
}

func (s *Server) quitCommand(sess *session) ([]string, action) {
	if !s.cfg.AllowQuit {
		return []string{"err: quit is disabled"}, actionContinue
	}
	sess.logger.Warn("quit requested by client")
	s.quit()
	return []string{"bye"}, actionClose
}

// dump prints the distributed clock time and each device's process data.
func (s *Server) dump() []string {
	var out []string
	_ = s.seg.WithImage(func(is *ecat.ImageSession) error {
		if !s.seg.Live() {
			out = []string{errNotLive}
			return nil
		}
		out = append(out, fmt.Sprintf("  T:%d;", is.DCTime()))
		for _, d := range is.Devices() {
			o, i := is.DeviceBytes(d)
			var b strings.Builder
			fmt.Fprintf(&b, "  slave[%d]: O:", d.ID)
			for _, v := range o {
				fmt.Fprintf(&b, " %2.2x", v)
			}
			b.WriteString(" I:")
			for _, v := range i {
				fmt.Fprintf(&b, " %2.2x", v)
			}
			out = append(out, b.String())
		}
		return nil
	})
	return out
}

// meta lists mappings. "all" lists both spaces; an address lists the one
// mapping it names, searching outputs first.
func (s *Server) meta(args []string) []string {
	if len(args) != 1 {
		return []string{"err: meta got bad args"}
	}
	ix := s.seg.Index()

	if args[0] == "all" {
		out := []string{ecat.Outputs.String() + ":"}
		for _, m := range ix.All(ecat.Outputs) {
			out = append(out, "  "+m.String())
		}
		out = append(out, ecat.Inputs.String()+":")
		for _, m := range ix.All(ecat.Inputs) {
			out = append(out, "  "+m.String())
		}
		return out
	}

	addr, err := ecat.ParseAddress(args[0])
	if err != nil {
		return []string{"err: meta got bad args"}
	}
	for _, space := range []ecat.Space{ecat.Outputs, ecat.Inputs} {
		if m, ok := ix.Lookup(space, addr); ok {
			return []string{space.String() + ":", "  " + m.String()}
		}
	}
	return []string{fmt.Sprintf("err: POD address %d:%x:%x not recognized", addr.Device, addr.Index, addr.SubIndex)}
}

// get decodes the current value of an input mapping.
func (s *Server) get(args []string) []string {
	if len(args) != 1 {
		return []string{"err: get got bad args"}
	}
	addr, err := ecat.ParseAddress(args[0])
	if err != nil {
		return []string{"err: get got bad args"}
	}
	m, ok := s.seg.Index().Lookup(ecat.Inputs, addr)
	if !ok {
		return []string{fmt.Sprintf("err: POD address %d:%x:%x not recognized (searched for inputs)",
			addr.Device, addr.Index, addr.SubIndex)}
	}

	var out []string
	_ = s.seg.WithImage(func(is *ecat.ImageSession) error {
		if !s.seg.Live() {
			out = []string{errNotLive}
			return nil
		}
		value, err := is.Value(m)
		switch {
		case err == nil:
			out = []string{fmt.Sprintf("  %s %s", value, m.Type)}
		case errors.Is(err, ecat.ErrAlignment):
			out = []string{fmt.Sprintf("err: alignment error (%s %s at bit %d)", m.Address(), m.Type, m.BitOffset)}
		case errors.Is(err, ecat.ErrUnknownType):
			out = []string{fmt.Sprintf("err: unknown type (%s)", m.Type)}
		default:
			out = []string{fmt.Sprintf("err: %v", err)}
		}
		return nil
	})
	return out
}
