package complexity

var domainTerms = []string{
	// travel planning
	"itinerary", "layover", "stopover", "visa", "passport", "embassy", "customs",
	"accommodation", "hostel", "ryokan", "reservation", "booking", "refundable",
	"connection", "transit", "transfer", "excursion", "timezone", "jet-lag",
	"currency", "exchange", "insurance", "accessibility", "dietary", "altitude",
	"vaccination", "shoulder-season", "railpass", "open-jaw", "multi-city",
	"budget", "per-diem", "overnight",
	// technical
	"api", "algorithm", "optimize", "optimization", "latency", "throughput",
	"schema", "constraint", "constraints", "database", "query", "regression",
	"architecture", "protocol", "concurrency", "distributed", "kubernetes",
	"encryption", "authentication", "complexity", "heuristic", "probability",
}

var multiStepPhrases = []string{
	"step by step", "step-by-step", "then", "after that", "afterwards",
	"first", "second", "finally", "compare", "versus", "trade-off", "tradeoffs",
	"plan", "followed by", "and also", "multi-day", "day by day", "break down",
	"prioritize", "optimize", "explain why",
}

var formatPhrases = []string{
	"json", "table", "csv", "yaml", "markdown", "schema", "bullet", "structured",
	"format as", "spreadsheet",
}
