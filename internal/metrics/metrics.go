package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepOutcomes counts verification step resolutions by step and status.
	StepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendguard_verification_steps_total",
		Help: "Verification step outcomes by step and terminal status.",
	}, []string{"step", "status"})

	// SpoofDetections counts hard spoofing detections by kind.
	SpoofDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendguard_spoof_detections_total",
		Help: "Spoofing detections by detection kind.",
	}, []string{"kind"})

	// Submissions counts submission attempts by result.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendguard_submissions_total",
		Help: "Attendance submission attempts by result.",
	}, []string{"result"})
)
