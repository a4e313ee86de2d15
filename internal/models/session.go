package models

import (
	"strings"
	"time"
)

// Purpose tags the business flow a conversation serves. The set is owned by the
// chat service; clients pass it through without interpreting it.
type Purpose string

const (
	PurposeSellerProductInquiry Purpose = "SELLER_PRODUCT_INQUIRY"
	PurposeBuyerPurchaseInquiry Purpose = "BUYER_PURCHASE_INQUIRY"
	PurposeBrokerCustomsInquiry Purpose = "BROKER_CUSTOMS_INQUIRY"
	PurposeGeneral              Purpose = "GENERAL"
)

// Valid reports whether p is a well-formed purpose tag.
func (p Purpose) Valid() bool {
	s := string(p)
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z') && r != '_' && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// SessionStatus is server-owned; clients only request transitions.
type SessionStatus string

const (
	StatusActive  SessionStatus = "ACTIVE"
	StatusClosed  SessionStatus = "CLOSED"
	StatusExpired SessionStatus = "EXPIRED"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusClosed, StatusExpired:
		return true
	}
	return false
}

// Session binds a user, a purpose and a language to an ordered message history.
type Session struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	Purpose     Purpose       `json:"purpose"`
	Language    string        `json:"language"`
	SessionData string        `json:"session_data,omitempty"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Clone returns a copy that shares nothing with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
