package vipps

type amountDTO struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

type customerDTO struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

type qrFormatDTO struct {
	Format string `json:"format"`
}

type createPaymentRequest struct {
	Amount              amountDTO     `json:"amount"`
	PaymentMethod       paymentMethod `json:"paymentMethod"`
	Customer            *customerDTO  `json:"customer,omitempty"`
	CustomerInteraction string        `json:"customerInteraction,omitempty"`
	Reference           string        `json:"reference"`
	ReturnURL           string        `json:"returnUrl,omitempty"`
	UserFlow            string        `json:"userFlow"`
	PaymentDescription  string        `json:"paymentDescription,omitempty"`
	QRFormat            *qrFormatDTO  `json:"qrFormat,omitempty"`
}

type paymentMethod struct {
	Type string `json:"type"`
}

type createPaymentResponse struct {
	Reference    string `json:"reference"`
	PSPReference string `json:"pspReference"`
	RedirectURL  string `json:"redirectUrl"`
	QRContent    string `json:"qrContent"`
}

type aggregateDTO struct {
	AuthorizedAmount amountDTO `json:"authorizedAmount"`
	CapturedAmount   amountDTO `json:"capturedAmount"`
	RefundedAmount   amountDTO `json:"refundedAmount"`
	CancelledAmount  amountDTO `json:"cancelledAmount"`
}

type getPaymentResponse struct {
	Reference    string       `json:"reference"`
	PSPReference string       `json:"pspReference"`
	State        string       `json:"state"`
	Amount       amountDTO    `json:"amount"`
	Aggregate    aggregateDTO `json:"aggregate"`
}

type modificationRequest struct {
	ModificationAmount amountDTO `json:"modificationAmount"`
}

type modificationResponse struct {
	Reference    string       `json:"reference"`
	PSPReference string       `json:"pspReference"`
	State        string       `json:"state"`
	Aggregate    aggregateDTO `json:"aggregate"`
}

type registerWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type registerWebhookResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// tokenResponse follows the provider's access-token contract: expires_on
// is epoch seconds as a string.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresOn   string `json:"expires_on"`
}
