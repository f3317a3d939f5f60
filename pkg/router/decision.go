package router

// Route is the backend strategy chosen for a question.
type Route string

const (
	RouteStructured Route = "structured"
	RouteRetrieval  Route = "retrieval"
	RouteHybrid     Route = "hybrid"
)

// Valid reports whether r is one of the three routes.
func (r Route) Valid() bool {
	switch r {
	case RouteStructured, RouteRetrieval, RouteHybrid:
		return true
	}
	return false
}

// Decision captures a classification result.
type Decision struct {
	Route    Route  `json:"route"`
	RawLabel string `json:"raw_label"`
	Adapter  string `json:"classifier_adapter,omitempty"`
	Model    string `json:"classifier_model,omitempty"`
}
