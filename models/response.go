package models

// APIResponse is the envelope for every JSON endpoint. Code carries the
// machine-readable error kind (invalid_command, config_locked, ...) so
// callers do not have to parse the error text.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func SuccessResponse(data interface{}) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

func ErrorResponse(err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
	}
}

func CodedErrorResponse(code, err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

func MessageResponse(message string) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
	}
}
