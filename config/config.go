// Package config holds the JSON-backed persisted configuration described in
// spec.md §6.3: per-collection parameter.json, and the replication
// applier's config/state files. Byte-size fields accept human-readable
// strings ("64MiB") via github.com/docker/go-units, a dependency the
// teacher's go.mod carries but its storage package never uses directly.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
)

// CollectionType distinguishes document collections from edge collections
// (spec.md §3 "Collection").
type CollectionType string

const (
	CollectionTypeDocument CollectionType = "document"
	CollectionTypeEdge     CollectionType = "edge"
)

// ByteSize unmarshals either a JSON number (raw bytes) or a human-readable
// string ("64MiB", "2GB") via units.RAMInBytes.
type ByteSize int64

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var asNumber int64
	if err := json.Unmarshal(data, &asNumber); err == nil {
		*b = ByteSize(asNumber)
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err != nil {
		return errors.Wrap(err, "byte size must be a number or a string")
	}
	n, err := units.RAMInBytes(asString)
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", asString)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(b))
}

// CollectionParameters is the persisted parameter.json for one collection
// (spec.md §6.2, §6.3).
type CollectionParameters struct {
	CID          uint64         `json:"cid"`
	Name         string         `json:"name"`
	Type         CollectionType `json:"type"`
	WaitForSync  bool           `json:"waitForSync"`
	MaximalSize  ByteSize       `json:"maximalSize"`
}

// LoadCollectionParameters reads parameter.json from a collection directory.
func LoadCollectionParameters(dir string) (CollectionParameters, error) {
	var p CollectionParameters
	raw, err := os.ReadFile(filepath.Join(dir, "parameter.json"))
	if err != nil {
		return p, errors.Wrap(err, "reading parameter.json")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, errors.Wrap(err, "parsing parameter.json")
	}
	return p, nil
}

// SaveCollectionParameters writes parameter.json, matching the teacher's
// database.save() pattern in storage/database.go: MkdirAll then a plain
// indented json.Marshal.
func SaveCollectionParameters(dir string, p CollectionParameters) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(err, "creating collection directory")
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling parameter.json")
	}
	return os.WriteFile(filepath.Join(dir, "parameter.json"), raw, 0640)
}

// ApplierConfig is the persisted REPLICATION-APPLIER-CONFIG (spec.md §6.3).
type ApplierConfig struct {
	Endpoint          string   `json:"endpoint"`
	Username          string   `json:"username,omitempty"`
	Password          string   `json:"password,omitempty"`
	RequestTimeout    float64  `json:"requestTimeout"`
	ConnectTimeout    float64  `json:"connectTimeout"`
	MaxConnectRetries int      `json:"maxConnectRetries"`
	ChunkSize         ByteSize `json:"chunkSize"`
	AutoStart         bool     `json:"autoStart"`
	AdaptivePolling   bool     `json:"adaptivePolling"`
}

func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{
		RequestTimeout:    30,
		ConnectTimeout:    10,
		MaxConnectRetries: 10,
		ChunkSize:         ByteSize(512 * units.KiB),
		AutoStart:         false,
		AdaptivePolling:   true,
	}
}

// ApplierState is the persisted REPLICATION-APPLIER-STATE (spec.md §6.3).
// LastAppliedContinuousTick round-trips as a JSON string to avoid precision
// loss in JSON numbers for 64-bit ticks, matching the spec's explicit
// "u64-as-string" requirement.
type ApplierState struct {
	ServerID                  uint64 `json:"serverId"`
	LastAppliedContinuousTick uint64 `json:"-"`
}

type applierStateWire struct {
	ServerID                  uint64 `json:"serverId"`
	LastAppliedContinuousTick string `json:"lastAppliedContinuousTick"`
}

func (s ApplierState) MarshalJSON() ([]byte, error) {
	return json.Marshal(applierStateWire{
		ServerID:                  s.ServerID,
		LastAppliedContinuousTick: formatUint64(s.LastAppliedContinuousTick),
	})
}

func (s *ApplierState) UnmarshalJSON(data []byte) error {
	var w applierStateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.ServerID = w.ServerID
	v, err := parseUint64(w.LastAppliedContinuousTick)
	if err != nil {
		return errors.Wrap(err, "parsing lastAppliedContinuousTick")
	}
	s.LastAppliedContinuousTick = v
	return nil
}

func formatUint64(v uint64) string {
	return jsonUint{v}.String()
}

// jsonUint avoids importing strconv twice across the file; kept tiny and
// local since this is the only place we need it.
type jsonUint struct{ v uint64 }

func (j jsonUint) String() string {
	if j.v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	v := j.v
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func parseUint64(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.Errorf("not a digit: %q", s)
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}

// LoadApplierConfig reads REPLICATION-APPLIER-CONFIG from the database root.
func LoadApplierConfig(dbRoot string) (ApplierConfig, error) {
	cfg := DefaultApplierConfig()
	raw, err := os.ReadFile(filepath.Join(dbRoot, "REPLICATION-APPLIER-CONFIG"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrap(err, "reading REPLICATION-APPLIER-CONFIG")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing REPLICATION-APPLIER-CONFIG")
	}
	return cfg, nil
}

func SaveApplierConfig(dbRoot string, cfg ApplierConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling REPLICATION-APPLIER-CONFIG")
	}
	return os.WriteFile(filepath.Join(dbRoot, "REPLICATION-APPLIER-CONFIG"), raw, 0640)
}

func LoadApplierState(dbRoot string) (ApplierState, error) {
	var st ApplierState
	raw, err := os.ReadFile(filepath.Join(dbRoot, "REPLICATION-APPLIER-STATE"))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, errors.Wrap(err, "reading REPLICATION-APPLIER-STATE")
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, errors.Wrap(err, "parsing REPLICATION-APPLIER-STATE")
	}
	return st, nil
}

func SaveApplierState(dbRoot string, st ApplierState) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling REPLICATION-APPLIER-STATE")
	}
	return os.WriteFile(filepath.Join(dbRoot, "REPLICATION-APPLIER-STATE"), raw, 0640)
}
