package api

// LossRequest is the body of POST /v1/loss. Logits are [batch][seq][vocab]
// and labels [batch][seq]; -100 marks a position that does not count.
type LossRequest struct {
	Logits      [][][]float32 `json:"logits"`
	Labels      [][]int32     `json:"labels"`
	Softcap     float32       `json:"softcap,omitempty"`
	Scale       float32       `json:"scale,omitempty"`
	ReturnGrad  bool          `json:"return_grad,omitempty"`
	ShiftLabels bool          `json:"shift_labels,omitempty"`
	// Upstream scales the returned gradient. Defaults to 1.
	Upstream *float32 `json:"upstream,omitempty"`
}

// LossResponse is the result of a loss computation.
type LossResponse struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	CreatedAt   int64         `json:"created_at"`
	Loss        float32       `json:"loss"`
	ValidLabels int           `json:"valid_labels"`
	RowLosses   []float32     `json:"row_losses"`
	Shape       [3]int        `json:"shape"`
	Chunks      int           `json:"chunks"`
	Grad        [][][]float32 `json:"grad,omitempty"`
}

type DeleteLossResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
