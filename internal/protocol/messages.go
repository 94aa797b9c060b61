package protocol

// SUBSCRIBE (client -> server). First message on the connection; may be re-sent.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Builds          bool   `json:"builds"`
	Frames          bool   `json:"frames"`
	// FrameEvery sends one FRAME per N frames.
	FrameEvery int `json:"frame_every,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	Store           StoreParams `json:"store"`
}

type StoreParams struct {
	StoreID       string   `json:"store_id"`
	ChunkDims     [3]int   `json:"chunk_dims"`
	NumChunks     [3]int   `json:"num_chunks"`
	Streams       []string `json:"streams"`
	Compression   string   `json:"compression"`
	Mesher        string   `json:"mesher"`
	PaletteDigest string   `json:"palette_digest"`
}

// BUILD (server -> client): one job left its slot.
type BuildMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	JobID           string  `json:"job_id"`
	Chunk           [3]int  `json:"chunk"`
	Quads           int     `json:"quads"`
	Workloads       int     `json:"workloads"`
	DurationMs      float64 `json:"duration_ms"`
	OK              bool    `json:"ok"`
	Cancelled       bool    `json:"cancelled,omitempty"`
	Code            string  `json:"code,omitempty"`
	Message         string  `json:"message,omitempty"`
	UnixMs          int64   `json:"unix_ms"`
}

// FRAME (server -> client): streamer and slot summary of one frame.
type FrameMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Frame           uint64    `json:"frame"`
	Cameras         int       `json:"cameras"`
	High            int       `json:"high"`
	Low             int       `json:"low"`
	Submitted       int       `json:"submitted"`
	Deferred        int       `json:"deferred"`
	Evicted         int       `json:"evicted"`
	Loaded          int       `json:"loaded"`
	TookMs          float64   `json:"took_ms"`
	Slots           SlotStats `json:"slots"`
}

type SlotStats struct {
	Total    int      `json:"total"`
	Free     int      `json:"free"`
	InFlight int      `json:"in_flight"`
	States   []string `json:"states,omitempty"`
}

// PAGE_SAVED (server -> client): a dirty page reached disk.
type PageSavedMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Page            [3]int  `json:"page"`
	Path            string  `json:"path"`
	Bytes           int     `json:"bytes"`
	Occupied        int     `json:"occupied"`
	DurationMs      float64 `json:"duration_ms"`
	UnixMs          int64   `json:"unix_ms"`
}

// LOG_HEADER opens every writer session of a build or page log file.
type LogHeaderMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Kind            string `json:"kind"`
	StoreID         string `json:"store_id"`
	Mesher          string `json:"mesher,omitempty"`
	PaletteDigest   string `json:"palette_digest,omitempty"`
	Hour            string `json:"hour"`
	OpenedUnixMs    int64  `json:"opened_unix_ms"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}
