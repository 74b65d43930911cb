package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ecatd/internal/ecat"
)

// MappingView is the JSON form of a mapping entry.
type MappingView struct {
	Address   string `json:"address"`
	Space     string `json:"space"`
	Device    int    `json:"device"`
	Index     string `json:"index"`
	SubIndex  string `json:"sub_index"`
	Offset    int    `json:"offset"`
	BitOffset int    `json:"bit_offset"`
	BitLength int    `json:"bit_length"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Value     string `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newMappingView(space ecat.Space, m ecat.Mapping) MappingView {
	return MappingView{
		Address:   m.Address().String(),
		Space:     strings.ToLower(space.String()),
		Device:    m.Device,
		Index:     fmt.Sprintf("0x%04X", m.Index),
		SubIndex:  fmt.Sprintf("0x%02X", m.SubIndex),
		Offset:    m.Offset,
		BitOffset: int(m.BitOffset),
		BitLength: int(m.BitLength),
		Type:      m.Type.String(),
		Name:      m.Name,
	}
}

// DeviceView is a device record as served by the API. Process data is only
// included while Live is true.
type DeviceView struct {
	ecat.DeviceStatus
	Live bool `json:"live"`
}

// liveSnapshot takes a snapshot and strips its process data unless the
// segment was operational and fresh when it was taken.
func (s *Server) liveSnapshot() (ecat.Status, bool) {
	st := s.segment.Snapshot()
	if !st.Live() {
		return st.WithoutProcessData(), false
	}
	return st, true
}

// handleListDevices returns every device with its state, and its process
// data while the segment is live.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	st, live := s.liveSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"operational": st.Operational,
		"fresh":       st.Fresh,
		"live":        live,
		"ack":         st.Ack,
		"expected":    st.Expected,
		"dc_time":     st.DCTime,
		"devices":     st.Devices,
		"count":       len(st.Devices),
	})
}

// handleGetDevice returns one device by its position on the segment.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeBadRequest(w, "device id must be a positive integer")
		return
	}

	st, live := s.liveSnapshot()
	for _, d := range st.Devices {
		if d.ID == id {
			writeJSON(w, http.StatusOK, DeviceView{DeviceStatus: d, Live: live})
			return
		}
	}
	writeNotFound(w, fmt.Sprintf("device %d not found", id))
}

// handleListMappings returns the layout. ?space=outputs|inputs narrows it,
// ?values=true adds decoded values while the segment is live.
func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	spaces := []ecat.Space{ecat.Outputs, ecat.Inputs}
	switch strings.ToLower(r.URL.Query().Get("space")) {
	case "":
	case "outputs":
		spaces = []ecat.Space{ecat.Outputs}
	case "inputs":
		spaces = []ecat.Space{ecat.Inputs}
	default:
		writeBadRequest(w, "space must be outputs or inputs")
		return
	}
	withValues := r.URL.Query().Get("values") == "true"

	idx := s.segment.Index()
	views := make([]MappingView, 0, idx.Len(ecat.Outputs)+idx.Len(ecat.Inputs))
	for _, space := range spaces {
		for _, m := range idx.All(space) {
			views = append(views, newMappingView(space, m))
		}
	}

	var live bool
	if withValues {
		live = s.decodeViews(views, spaces, idx)
	} else {
		live = s.segment.Live()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mappings": views,
		"count":    len(views),
		"live":     live,
	})
}

// decodeViews fills in values in a single image session so that all of
// them come from the same cycle. Nothing is decoded unless the segment is
// live inside that session; the result reports which.
func (s *Server) decodeViews(views []MappingView, spaces []ecat.Space, idx *ecat.Index) bool {
	live := false
	_ = s.segment.WithImage(func(is *ecat.ImageSession) error {
		if live = s.segment.Live(); !live {
			return nil
		}
		i := 0
		for _, space := range spaces {
			for _, m := range idx.All(space) {
				setValue(&views[i], is, m)
				i++
			}
		}
		return nil
	})
	return live
}

// handleGetMapping returns one entry addressed as device:0xINDEX:0xSUB.
// Outputs are searched before inputs.
func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	addr, err := ecat.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	idx := s.segment.Index()
	space := ecat.Outputs
	m, ok := idx.Lookup(ecat.Outputs, addr)
	if !ok {
		space = ecat.Inputs
		m, ok = idx.Lookup(ecat.Inputs, addr)
	}
	if !ok {
		writeNotFound(w, fmt.Sprintf("address %s not recognized", addr))
		return
	}

	view := newMappingView(space, m)
	live := false
	_ = s.segment.WithImage(func(is *ecat.ImageSession) error {
		if live = s.segment.Live(); live {
			setValue(&view, is, m)
		}
		return nil
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"mapping": view,
		"live":    live,
	})
}

func setValue(v *MappingView, is *ecat.ImageSession, m ecat.Mapping) {
	val, err := is.Value(m)
	switch {
	case err == nil:
		v.Value = val
	case errors.Is(err, ecat.ErrAlignment):
		v.Error = "alignment error"
	case errors.Is(err, ecat.ErrUnknownType):
		v.Error = "unknown type"
	default:
		v.Error = err.Error()
	}
}
