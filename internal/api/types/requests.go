package types

// ProjectCreateRequest is the intake form.
type ProjectCreateRequest struct {
	BusinessName     string   `json:"business_name" validate:"required,max=200"`
	Email            string   `json:"email" validate:"required,email"`
	WebsiteType      string   `json:"website_type" validate:"omitempty,oneof=landing business ecommerce blog portfolio custom"`
	Features         []string `json:"features" validate:"min=1,dive,required,max=64"`
	DesignStyle      string   `json:"design_style" validate:"required,oneof=modern minimal bold corporate creative vintage"`
	Budget           int      `json:"budget" validate:"gte=150,lte=500"`
	PaymentReference string   `json:"payment_reference" validate:"omitempty,max=128"`
}

type PaymentConfirmRequest struct {
	PaymentReference string `json:"payment_reference" validate:"required,max=128"`
}
