package tui

// SegmentInfo seeds one row of the segment table before the run starts.
type SegmentInfo struct {
	ID    string
	Kind  string
	Steps int
}

// MsgRunStart initializes the table with every segment of the run.
type MsgRunStart struct {
	Segments []SegmentInfo
	Workers  int
}

// MsgSegmentProgress updates one row. Sent on every completed step and on
// every status transition.
type MsgSegmentProgress struct {
	SegmentID  string
	Status     string
	StepsDone  int
	StepsTotal int
	CostUSD    float64
}

// MsgStepDone appends a line to the activity log.
type MsgStepDone struct {
	SegmentID string
	CommitID  string
	Summary   string
	CostUSD   float64
}

// MsgRunDone marks the run finished and records totals.
type MsgRunDone struct {
	CostUSD    float64
	Steps      int
	ShadowHead string
	Err        string
}

// MsgInfo appends an informational line to the activity log.
type MsgInfo struct{ Text string }

// MsgError appends an error line to the activity log.
type MsgError struct{ Text string }
