package httpresponse

import (
	"encoding/json"
	"net/http"
)

type H map[string]interface{}

// JSON writes v with the given status. Encoding errors are returned so the
// caller can log them; the status line has already been sent by then.
func JSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) error {
	return JSON(w, status, H{"error": msg})
}
