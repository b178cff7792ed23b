package processor

import "telemetry-pipeline/internal/telemetry/domain"

// Aggregate derives numeric metrics from an event's data. Network metrics need a duration; missing
// sizes count as zero. Event types without aggregation rules yield nil.
func Aggregate(ev *domain.TelemetryEvent) map[string]float64 {
	switch ev.EventType {
	case domain.EventTypePerformance:
		v, ok := ev.DataNumber("value")
		if !ok {
			return nil
		}
		name, _ := ev.DataString("metric")
		if name == "" {
			name = "unknown"
		}
		return map[string]float64{name: v}
	case domain.EventTypeNetwork:
		d, ok := ev.DataNumber("duration")
		if !ok {
			return nil
		}
		req, _ := ev.DataNumber("requestSize")
		resp, _ := ev.DataNumber("responseSize")
		out := map[string]float64{"network_duration": d, "network_size": req + resp}
		if s, ok := ev.DataNumber("statusCode"); ok {
			out["network_status"] = s
		}
		return out
	case domain.EventTypeCrash:
		return map[string]float64{"crash_count": 1}
	}
	return nil
}
