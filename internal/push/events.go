package push

// Wire message types.
const (
	TypeAuthenticate     = "authenticate"
	TypeAuthenticated    = "authenticated"
	TypeAuthError        = "auth-error"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeAnalysisStarted  = "analysis-started"
	TypeAnalysisComplete = "analysis-complete"
	TypeAnalysisFailed   = "analysis-failed"
	TypeBalanceUpdated   = "balance-updated"
)

// Message is the JSON frame exchanged on the push channel in both directions.
type Message struct {
	Type     string   `json:"type"`
	JobID    string   `json:"jobId,omitempty"`
	ResultID string   `json:"resultId,omitempty"`
	Error    string   `json:"error,omitempty"`
	Balance  *float64 `json:"balance,omitempty"`
	Token    string   `json:"token,omitempty"`
}

// Event is a server notification. The set of implementations is closed:
// AnalysisStarted, AnalysisComplete, AnalysisFailed and BalanceUpdated.
type Event interface {
	event()
}

type AnalysisStarted struct {
	JobID string
}

type AnalysisComplete struct {
	JobID    string
	ResultID string
}

type AnalysisFailed struct {
	JobID string
	Error string
}

type BalanceUpdated struct {
	Balance float64
}

func (AnalysisStarted) event()  {}
func (AnalysisComplete) event() {}
func (AnalysisFailed) event()   {}
func (BalanceUpdated) event()   {}

// JobIDOf returns the job an event refers to, or "" for account-level events.
func JobIDOf(e Event) string {
	switch ev := e.(type) {
	case AnalysisStarted:
		return ev.JobID
	case AnalysisComplete:
		return ev.JobID
	case AnalysisFailed:
		return ev.JobID
	default:
		return ""
	}
}

// decodeEvent converts an inbound frame into an Event. Frames that are not
// server notifications, or that lack required fields, are rejected.
func decodeEvent(m Message) (Event, bool) {
	switch m.Type {
	case TypeAnalysisStarted:
		if m.JobID == "" {
			return nil, false
		}
		return AnalysisStarted{JobID: m.JobID}, true
	case TypeAnalysisComplete:
		if m.JobID == "" {
			return nil, false
		}
		return AnalysisComplete{JobID: m.JobID, ResultID: m.ResultID}, true
	case TypeAnalysisFailed:
		if m.JobID == "" {
			return nil, false
		}
		return AnalysisFailed{JobID: m.JobID, Error: m.Error}, true
	case TypeBalanceUpdated:
		if m.Balance == nil {
			return nil, false
		}
		return BalanceUpdated{Balance: *m.Balance}, true
	}
	return nil, false
}
