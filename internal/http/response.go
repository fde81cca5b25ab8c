package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response is the JSON body of service and admin endpoints. Entity
// endpoints answer with raw bytes.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// StatusResponse describes the local node.
type StatusResponse struct {
	Status         Status   `json:"status"`
	Self           string   `json:"self"`
	Nodes          []string `json:"nodes"`
	MemtableBytes  int64    `json:"memtable_bytes"`
	MemtableCells  int      `json:"memtable_cells"`
	PendingFlushes int      `json:"pending_flushes"`
	Tables         int      `json:"tables"`
	NextGeneration int64    `json:"next_generation"`
}
