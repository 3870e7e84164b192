package export

// EDLRequest asks for an EDL of a run's event clips, written to OutputDir.
type EDLRequest struct {
	Title      string   `json:"title"`
	FrameRate  float64  `json:"frame_rate"`
	OutputDir  string   `json:"output_dir"`
	EventIDs   []int    `json:"event_ids,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// ResolvedClip is one EDL entry in source-video milliseconds.
type ResolvedClip struct {
	ClipName  string
	MediaPath string
	StartMs   int
	EndMs     int
	EventID   int
}

type EDLResponse struct {
	Status     string `json:"status"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
	ClipCount  int    `json:"clip_count"`
	Skipped    []int  `json:"skipped_events"`
}
