package dto

type CompileRequest struct {
	Args []string `json:"args" binding:"required,min=1"`
	Cwd  string   `json:"cwd" binding:"required"`
	Env  []string `json:"env"`
}

type CompileResponse struct {
	Code   int    `json:"code"`
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`
}
