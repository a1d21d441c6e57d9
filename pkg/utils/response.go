package utils

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}
// RespondServiceError 根据错误类型选择状态码
func RespondServiceError(w http.ResponseWriter, err error) {
	RespondError(w, apperr.HTTPStatus(err), err.Error())
}
