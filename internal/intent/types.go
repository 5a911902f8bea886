package intent

// Type is the discrete category assigned to a user message. Values are the
// wire strings used in API responses and metric labels.
type Type string

const (
	TypeGreeting               Type = "greeting"
	TypeProductQuery           Type = "product_query"
	TypeProductDetailsFollowup Type = "product_details_followup"
	TypeOrderStatus            Type = "order_status"
	TypeComplaint              Type = "complaint"
	TypeSupportRequest         Type = "support_request"
	TypePriceInquiry           Type = "price_inquiry"
	TypeAvailabilityCheck      Type = "availability_check"
	TypeGoodbye                Type = "goodbye"
	TypeKnowledgeBaseQuery     Type = "knowledge_base_query"
	TypeFallback               Type = "fallback"
)

// scoredTypes is the canonical evaluation order. Ties resolve to the earlier
// entry so classification stays deterministic.
var scoredTypes = []Type{
	TypeGreeting,
	TypeProductQuery,
	TypeProductDetailsFollowup,
	TypeOrderStatus,
	TypeComplaint,
	TypeSupportRequest,
	TypePriceInquiry,
	TypeAvailabilityCheck,
	TypeGoodbye,
	TypeKnowledgeBaseQuery,
}

// Result is the outcome of analyzing one message. Not persisted.
type Result struct {
	Intent          Type              `json:"intent"`
	Confidence      float64           `json:"confidence"`
	MatchedPatterns []string          `json:"matched_patterns,omitempty"`
	Entities        map[string]string `json:"entities"`
}

// Context carries conversational hints into analysis. PreviousIntent feeds
// the order-status carry boost; Platform and Language are available to
// future strategies but do not affect scoring today.
type Context struct {
	Platform       string
	Language       string
	PreviousIntent Type
	HistoryLength  int
}
