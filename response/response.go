package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Error  *Error      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

// WriteResponse writes result as a 200 JSON body
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	WriteResponseWithStatus(w, r, http.StatusOK, result)
}

func WriteResponseWithStatus(w http.ResponseWriter, r *http.Request, status int, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Result: result,
	})
}

// WriteError writes e as a JSON body with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(envelope{
		Error: e,
	})
}
