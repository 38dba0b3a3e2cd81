package v1

// RenderRequest is the body POSTed to an HTTP renderer for one segment.
// Paths refer to the media volume shared by the worker and the renderer.
//   - job_id, segment: identify the clip (segment is 1-based)
//   - audio_path: 16 kHz mono wav to lip-sync
//   - gender, action_id: select the template <gender>_<action_id>.mp4
//   - output_path: where the renderer must write the mp4
type RenderRequest struct {
	JobID      string `json:"job_id"`
	Segment    int    `json:"segment"`
	AudioPath  string `json:"audio_path"`
	Gender     string `json:"gender"`
	ActionID   int    `json:"action_id"`
	OutputPath string `json:"output_path"`
}

// RenderResponse is optional; an empty clip_path means output_path was used.
type RenderResponse struct {
	ClipPath string `json:"clip_path"`
	Error    string `json:"error,omitempty"`
}
