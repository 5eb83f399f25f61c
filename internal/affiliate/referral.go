// Package affiliate accrues commission on referred orders and batches unpaid
// commission into affiliate payments.
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-api/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

var (
	ErrReferralInvalid   = errors.New("referral token is invalid")
	ErrReferralExpired   = errors.New("referral token has expired")
	ErrSelfReferral      = errors.New("affiliate cannot refer their own order")
	ErrAffiliateInactive = errors.New("affiliate is not active")
	ErrAffiliateNotFound = errors.New("affiliate not found")
)

// Referrals issues and resolves referral tokens. A token is a JWT whose subject
// is the affiliate code; it lives in the buyer's ref cookie.
type Referrals struct {
	db     *gorm.DB
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewReferrals creates a referral token service.
func NewReferrals(db *gorm.DB, secret string, window time.Duration) *Referrals {
	return &Referrals{db: db, secret: []byte(secret), window: window, now: time.Now}
}

// Issue returns a token for an active affiliate code.
func (r *Referrals) Issue(ctx context.Context, code string) (string, error) {
	aff, err := r.byCode(ctx, code)
	if err != nil {
		return "", err
	}
	if !aff.Active {
		return "", ErrAffiliateInactive
	}

	now := r.now()
	claims := jwt.RegisteredClaims{
		Subject:   aff.Code,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(r.window)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// Resolve returns the affiliate id behind token for a buyer.
func (r *Referrals) Resolve(ctx context.Context, token string, buyerID uint) (uint, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrReferralExpired
		}
		return 0, fmt.Errorf("%w: %v", ErrReferralInvalid, err)
	}

	aff, err := r.byCode(ctx, claims.Subject)
	if err != nil {
		return 0, err
	}
	if !aff.Active {
		return 0, ErrAffiliateInactive
	}
	if aff.UserID == buyerID {
		return 0, ErrSelfReferral
	}
	return aff.ID, nil
}

func (r *Referrals) byCode(ctx context.Context, code string) (*models.Affiliate, error) {
	if code == "" {
		return nil, ErrAffiliateNotFound
	}
	var aff models.Affiliate
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&aff).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAffiliateNotFound
		}
		return nil, err
	}
	return &aff, nil
}
