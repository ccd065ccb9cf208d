package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sub":"user-1"}`))
		case "Bearer garbage":
			_, _ = w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	var out struct {
		Sub string `json:"sub"`
	}
	if err := GetJSON(context.Background(), srv.Client(), srv.URL, "good", "userinfo", &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out.Sub != "user-1" {
		t.Errorf("sub = %q, want user-1", out.Sub)
	}

	err := GetJSON(context.Background(), srv.Client(), srv.URL, "bad", "userinfo", &out)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("GetJSON() with rejected token error = %v, want ErrUnauthorized", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("GetJSON() error = %v, want *StatusError 401", err)
	}

	if err := GetJSON(context.Background(), srv.Client(), srv.URL, "garbage", "userinfo", &out); err == nil {
		t.Error("GetJSON() with malformed body should fail")
	}
}

func TestStatusError_NotUnauthorized(t *testing.T) {
	err := &StatusError{Operation: "userinfo", StatusCode: http.StatusInternalServerError}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("500 must not map to ErrUnauthorized")
	}
	if err.Error() != "userinfo failed with status 500" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestHasScope(t *testing.T) {
	scopes := []string{"openid", "groups"}
	if !HasScope(scopes, "groups") {
		t.Error("HasScope(groups) = false")
	}
	if HasScope(scopes, "email") {
		t.Error("HasScope(email) = true")
	}
}

type revokingProfile struct{}

func (revokingProfile) Name() string { return "revoking" }
func (revokingProfile) FetchProfile(context.Context, string, []string) (*UserInfo, error) {
	return &UserInfo{ID: "u"}, nil
}
func (revokingProfile) RevokeToken(context.Context, string) error { return nil }

func TestAuthority_CloneAndRevoker(t *testing.T) {
	var nilAuthority *Authority
	if nilAuthority.Clone() != nil || nilAuthority.Revoker() != nil {
		t.Error("nil authority should clone to nil and have no revoker")
	}

	a := &Authority{
		Name:       "test",
		Scopes:     []string{"openid"},
		AuthParams: map[string]string{"connector_id": "ldap"},
		Profile:    revokingProfile{},
	}
	c := a.Clone()
	c.Scopes[0] = "changed"
	c.AuthParams["connector_id"] = "changed"
	if a.Scopes[0] != "openid" || a.AuthParams["connector_id"] != "ldap" {
		t.Error("Clone() must not share scopes or params")
	}
	if a.Revoker() == nil {
		t.Error("Revoker() should expose a profile provider that revokes")
	}
	if (&Authority{}).Revoker() != nil {
		t.Error("Revoker() should be nil without a profile provider")
	}
}
