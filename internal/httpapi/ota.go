package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type otaResponse struct {
	ServerTime otaServerTime `json:"server_time"`
	Firmware   otaFirmware   `json:"firmware"`
	Websocket  otaWebsocket  `json:"websocket"`
}

type otaServerTime struct {
	Timestamp      int64 `json:"timestamp"`
	TimezoneOffset int   `json:"timezone_offset"`
}

type otaFirmware struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

type otaWebsocket struct {
	URL string `json:"url"`
}

// handleOTA answers the firmware's check-in: where the websocket lives,
// what time it is, and whether new firmware exists (none served here,
// the current version is echoed back as latest).
func (s *Server) handleOTA(w http.ResponseWriter, r *http.Request) {
	version := "1.0.0"
	if r.Method == http.MethodPost {
		var checkin struct {
			Application struct {
				Version string `json:"version"`
			} `json:"application"`
		}
		if err := json.NewDecoder(r.Body).Decode(&checkin); err == nil && checkin.Application.Version != "" {
			version = checkin.Application.Version
		}
	}

	host := s.cfg.Server.AdvertisedHost
	if host == "" {
		host = s.cfg.Server.Host
	}

	now := time.Now()
	_, tzOffsetSeconds := now.Zone()

	resp := otaResponse{
		ServerTime: otaServerTime{
			Timestamp:      now.UnixMilli(),
			TimezoneOffset: tzOffsetSeconds / 60,
		},
		Firmware: otaFirmware{Version: version, URL: ""},
		Websocket: otaWebsocket{
			URL: fmt.Sprintf("ws://%s:%d/xiaozhi/v1/", host, s.cfg.Server.Port),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
