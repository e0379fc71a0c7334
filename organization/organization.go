package organization

import "time"

// Organization is the billed tenant. ExternalCustomerRef is filled in the first time it is billed.
type Organization struct {
	ID                  string    `json:"id" gorm:"primaryKey"`
	Name                string    `json:"name" gorm:"not null"`
	Email               string    `json:"email" gorm:"index"`
	ExternalCustomerRef string    `json:"externalCustomerRef"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func (Organization) TableName() string {
	return "organizations"
}
