package models

// PipelineRunRequest carries the input value for a pipeline run.
type PipelineRunRequest struct {
	Input any `json:"input"`
}

// PipelineRunResponse is returned after a synchronous pipeline run.
type PipelineRunResponse struct {
	Pipeline   string `json:"pipeline"`
	Output     any    `json:"output"`
	DurationMS int64  `json:"duration_ms"`
}

// PipelineSummary describes one registered pipeline.
type PipelineSummary struct {
	Name   string   `json:"name"`
	Policy string   `json:"policy"`
	Stages []string `json:"stages"`
}

// PipelineListResponse lists registered pipelines.
type PipelineListResponse struct {
	Items []PipelineSummary `json:"items"`
}
