package domain

// FlowKind tags the way a payment was initiated.
type FlowKind string

const (
	FlowWebRedirect FlowKind = "WEB_REDIRECT"
	FlowQR          FlowKind = "QR"
	FlowPhonePush   FlowKind = "PHONE_PUSH"
	FlowManual      FlowKind = "MANUAL"
)

// InitiationFlow is a closed variant over the supported initiation flows.
// Each variant carries only the fields its flow needs.
type InitiationFlow interface {
	Kind() FlowKind
	flow()
}

// WebRedirectFlow sends the customer to the provider's hosted landing page.
type WebRedirectFlow struct {
	ReturnURL string
}

// QRFlow renders a one-time QR code the customer scans in the app.
type QRFlow struct {
	ImageFormat string // "image/png" or "text/targetUrl"
}

// PhonePushFlow pushes a payment request to the customer's app by number.
type PhonePushFlow struct {
	PhoneNumber string // MSISDN, digits only
}

// ManualFlow has the customer enter a short code; completion additionally
// requires staff confirmation at the point of sale.
type ManualFlow struct {
	VerificationCode string
}

func (WebRedirectFlow) Kind() FlowKind { return FlowWebRedirect }
func (QRFlow) Kind() FlowKind          { return FlowQR }
func (PhonePushFlow) Kind() FlowKind   { return FlowPhonePush }
func (ManualFlow) Kind() FlowKind      { return FlowManual }

func (WebRedirectFlow) flow() {}
func (QRFlow) flow()          {}
func (PhonePushFlow) flow()   {}
func (ManualFlow) flow()      {}

// FlowFromKind rebuilds a flow variant from its persisted tag. Detail
// fields are not round-tripped; the tag is what lifecycle decisions key on.
func FlowFromKind(kind FlowKind) InitiationFlow {
	switch kind {
	case FlowQR:
		return QRFlow{}
	case FlowPhonePush:
		return PhonePushFlow{}
	case FlowManual:
		return ManualFlow{}
	default:
		return WebRedirectFlow{}
	}
}
