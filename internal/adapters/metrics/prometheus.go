package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Number of connected speaker devices",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total accepted device connections",
	})

	ChatTurnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_chat_turns_total",
		Help: "Total user chat turns processed",
	})

	BargeInsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_barge_ins_total",
		Help: "Total barge-in aborts during playback",
	})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"model", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})

	ASRRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_asr_request_duration_seconds",
		Help:    "ASR transcription duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	TTSSegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tts_segments_total",
		Help: "TTS segments synthesized",
	}, []string{"status"})

	TTSRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_tts_request_duration_seconds",
		Help:    "TTS synthesis duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5},
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tool_calls_total",
		Help: "Tool invocations by executor and action",
	}, []string{"executor", "action"})

	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chat_reports_total",
		Help: "Chat history reports by kind and status",
	}, []string{"kind", "status"})

	AudioFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audio_frames_sent_total",
		Help: "Opus frames sent to devices",
	})
)
