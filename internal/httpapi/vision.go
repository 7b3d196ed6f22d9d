package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openspeaker/gateway/internal/auth"
)

// maxImageBytes caps camera uploads.
const maxImageBytes = 5 << 20

// visionActionResponse tells the device MCP layer to speak the answer.
const visionActionResponse = "RESPONSE"

type visionResponse struct {
	Success  bool   `json:"success"`
	Action   string `json:"action,omitempty"`
	Response string `json:"response,omitempty"`
	Message  string `json:"message,omitempty"`
}

// handleVision accepts a camera capture plus a question from a device
// and answers through the vision LLM. Auth is the JWT handed to the
// device during the MCP handshake.
func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		writeVisionError(w, http.StatusUnauthorized, "missing token")
		return
	}
	deviceID, err := auth.VerifyVisionToken(s.authKey, tokenString)
	if err != nil {
		slog.Warn("httpapi: vision token rejected", "error", err)
		writeVisionError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		writeVisionError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	question := r.FormValue("question")
	if question == "" {
		question = "Describe what you see in this image."
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeVisionError(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		writeVisionError(w, http.StatusBadRequest, "read image failed")
		return
	}
	if len(image) > maxImageBytes {
		writeVisionError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}

	answer, err := s.vision.Explain(r.Context(), question, image, fileHeader.Header.Get("Content-Type"))
	if err != nil {
		slog.Error("httpapi: vision analysis failed", "device_id", deviceID, "error", err)
		writeVisionError(w, http.StatusBadGateway, "vision analysis failed")
		return
	}

	slog.Info("httpapi: vision question answered", "device_id", deviceID, "question_chars", len(question))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(visionResponse{Success: true, Action: visionActionResponse, Response: answer})
}

func writeVisionError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(visionResponse{Success: false, Message: msg})
}
