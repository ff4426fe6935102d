// Package normalize turns a verified compact envelope into the flat record
// every sink stores.
package normalize

import "time"

// Record is the document sent to sinks. Column-like fields are flattened at
// the top level; Body keeps the full decoded envelope. Nullable columns are
// pointers so they serialize as JSON null.
type Record struct {
	IngestedAt   string  `json:"ingestedAt"`
	EnqueuedTime *string `json:"enqueuedTime"`
	Partition    int32   `json:"partition"`
	Offset       int64   `json:"offset"`

	DeviceID    string   `json:"deviceId"`
	MessageID   string   `json:"msgId"`
	Protocol    string   `json:"proto"`
	Sequence    uint64   `json:"seq"`
	TimeUTC     string   `json:"timeUtc"`
	MonotonicMs uint64   `json:"monoMs"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	AccM        *uint64  `json:"accM"`

	Body Body `json:"body"`

	RawCBORB64 string `json:"rawCborB64"`
	HashB64    string `json:"hashB64"`
	SigB64     string `json:"sigB64"`
}

// Body is the verbose rendering of the envelope.
type Body struct {
	Header    Header         `json:"hdr"`
	Timestamp Timestamp      `json:"ts"`
	Sequence  uint64         `json:"seq"`
	Geo       *Geo           `json:"geo"`
	Pack      []Reading      `json:"pack"`
	Meta      map[string]any `json:"meta"`
	HashB64   string         `json:"hash_b64"`
	SigB64    string         `json:"sig_b64"`
	Compact   bool           `json:"_compact"`
	Version   uint64         `json:"v"`
}

type Header struct {
	DeviceID     string `json:"deviceId"`
	Protocol     string `json:"proto"`
	MessageID    string `json:"msgId"`
	MessageIDB64 string `json:"msgId_b64"`
}

type Timestamp struct {
	Ms     int64  `json:"ms"`
	UTC    string `json:"utc"`
	MonoMs uint64 `json:"mono_ms"`
}

type Geo struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	LatE7 int64   `json:"lat_e7"`
	LonE7 int64   `json:"lon_e7"`
	AccM  uint64  `json:"acc_m"`
}

// Reading keeps the fixed-point pair alongside the decoded value V.
type Reading struct {
	SensorID   uint64  `json:"id"`
	ValueInt   int64   `json:"vi"`
	ValueScale uint64  `json:"vs"`
	Value      float64 `json:"v"`
	Unit       uint64  `json:"u"`
	Quality    uint64  `json:"q"`
}

// Arrival is where and when the envelope was received. It is passed in so
// Normalize stays a pure function.
type Arrival struct {
	Topic     string
	Partition int32
	Offset    int64
	// EnqueuedAt is the broker timestamp; zero when the transport has none.
	EnqueuedAt time.Time
	IngestedAt time.Time
}
