package metrics

var (
	StoreMutations = NewCounterVec(Opts{
		Name: "whereto_store_mutations_total",
		Help: "Item store mutations by operation and result.",
	}, []string{"op", "result"})

	Votes = NewCounterVec(Opts{
		Name: "whereto_votes_total",
		Help: "Vote transactions by operation and outcome (applied, noop, error).",
	}, []string{"op", "outcome"})

	LiveSubscriptions = NewGaugeVec(Opts{
		Name: "whereto_live_subscriptions",
		Help: "Open live listeners by kind.",
	}, []string{"kind"})

	PurgedEvents = NewCounterVec(Opts{
		Name: "whereto_purged_events_total",
		Help: "Expired popularity events deleted by purge runs.",
	}, nil)

	APISessions = NewGauge(Opts{
		Name: "whereto_api_sessions",
		Help: "Users with a connected item store in the API process.",
	})
)

func init() {
	Default.MustRegister(StoreMutations, Votes, LiveSubscriptions, PurgedEvents, APISessions)
}

// Result maps an error to the "ok"/"error" label used by mutation counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
