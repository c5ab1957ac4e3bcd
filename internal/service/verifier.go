package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"master-session-service/internal/apiclient"
	"master-session-service/internal/models"
)

// CredentialVerifier answers the two questions the gateway cannot answer
// itself: are these credentials valid, and does this user hold a role.
// Credential storage lives in the main application, not here.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, credential string) (*models.Principal, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// APIVerifier implements CredentialVerifier against the application API.
type APIVerifier struct {
	api *apiclient.Client
}

func NewAPIVerifier(api *apiclient.Client) *APIVerifier {
	return &APIVerifier{api: api}
}

type verifyRequest struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (v *APIVerifier) Verify(ctx context.Context, identifier, credential string) (*models.Principal, error) {
	var resp verifyResponse
	err := v.api.Post(ctx, "/internal/auth/verify", verifyRequest{
		Identifier: identifier,
		Credential: credential,
	}, &resp)
	if err != nil {
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, ErrInvalidCredentials
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	if !resp.Valid {
		return nil, ErrInvalidCredentials
	}

	return &models.Principal{
		UserID: resp.UserID,
		Email:  resp.Email,
	}, nil
}

type roleResponse struct {
	Granted bool `json:"granted"`
}

func (v *APIVerifier) HasRole(ctx context.Context, userID, role string) (bool, error) {
	path := fmt.Sprintf("/internal/users/%s/roles/%s",
		url.PathEscape(userID), url.PathEscape(role))

	var resp roleResponse
	if err := v.api.GetUncached(ctx, path, &resp); err != nil {
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	return resp.Granted, nil
}
