package handler

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse 分页列表响应
type ListResponse struct {
	Code  string      `json:"code"`
	Total int64       `json:"total"`
	Items interface{} `json:"items"`
}
