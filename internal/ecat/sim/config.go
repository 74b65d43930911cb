package sim

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/ecatd/internal/ecat"
)

// Description is the YAML description of a simulated segment.
type Description struct {
	// DCStep is how far the distributed clock advances per exchange, in ns.
	DCStep  int64        `yaml:"dc_step"`
	Devices []DeviceSpec `yaml:"devices"`
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name    string       `yaml:"name"`
	CoE     bool         `yaml:"coe"`
	Group   uint8        `yaml:"group"`
	Outputs []PDOSpec    `yaml:"outputs"`
	Inputs  []PDOSpec    `yaml:"inputs"`
	Objects []ObjectSpec `yaml:"objects"`

	// SyncManagers overrides the sync manager comm types reported at 0x1C00.
	// By default a device with process data reports mailbox out/in,
	// outputs and inputs.
	SyncManagers []uint8 `yaml:"sync_managers"`

	// BitsOnly marks a device whose process data is counted in bits only,
	// as small digital terminals report it.
	BitsOnly bool `yaml:"bits_only"`
}

// PDOSpec is one process data object and its mapped entries.
type PDOSpec struct {
	Index   uint16      `yaml:"index"`
	Entries []EntrySpec `yaml:"entries"`
}

// EntrySpec is one mapped entry. An entry with index and sub 0 is a filler.
type EntrySpec struct {
	Index uint16  `yaml:"index"`
	Sub   uint8   `yaml:"sub"`
	Bits  uint8   `yaml:"bits"`
	Type  string  `yaml:"type"`
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
	Ramp  float64 `yaml:"ramp"`
}

// ObjectSpec is a dictionary object outside the process data, such as a
// configuration parameter that startup writes can target.
type ObjectSpec struct {
	Index uint16 `yaml:"index"`
	Sub   uint8  `yaml:"sub"`
	Type  string `yaml:"type"`
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// LoadDescription reads a segment description from a YAML file.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("reading segment description: %w", err)
	}
	return ParseDescription(data)
}

// ParseDescription decodes and validates a YAML segment description.
func ParseDescription(data []byte) (*Description, error) {
	var desc Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parsing segment description: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Validate checks that every entry names a known type.
func (d *Description) Validate() error {
	var errs []string
	for i, dev := range d.Devices {
		for _, pdos := range [][]PDOSpec{dev.Outputs, dev.Inputs} {
			for _, p := range pdos {
				for _, e := range p.Entries {
					if e.Index == 0 && e.Sub == 0 {
						continue
					}
					if _, ok := ecat.ParseDataType(e.Type); !ok {
						errs = append(errs, fmt.Sprintf("devices[%d] %s: entry 0x%04X:0x%02X has unknown type %q",
							i, dev.Name, e.Index, e.Sub, e.Type))
					}
				}
			}
		}
		for _, o := range dev.Objects {
			if _, ok := ecat.ParseDataType(o.Type); !ok {
				errs = append(errs, fmt.Sprintf("devices[%d] %s: object 0x%04X:0x%02X has unknown type %q",
					i, dev.Name, o.Index, o.Sub, o.Type))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("segment description errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
