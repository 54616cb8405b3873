package session

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// authChallengeHeader returns the name of the challenge header and the
// matching credential header for a 401 vs 407 final response (RFC 3261
// §22.2/§22.3).
func authChallengeHeader(statusCode int) (challenge, credential string, ok bool) {
	switch statusCode {
	case 401:
		return "WWW-Authenticate", "Authorization", true
	case 407:
		return "Proxy-Authenticate", "Proxy-Authorization", true
	default:
		return "", "", false
	}
}

// buildDigestAuthorization computes a single Authorization/Proxy-Authorization
// retry for resp using creds, grounded on security.go's AddAuthorizationHeader
// stub and wired to github.com/icholy/digest (§6.1). req is the original
// INVITE being retried; its Request-URI and method feed the digest response.
func buildDigestAuthorization(resp *sip.Response, req *sip.Request, creds *Credentials) (headerName, headerValue string, err error) {
	challengeName, credentialName, ok := authChallengeHeader(int(resp.StatusCode))
	if !ok {
		return "", "", fmt.Errorf("session: status %d is not a digest challenge", resp.StatusCode)
	}
	hdr := resp.GetHeader(challengeName)
	if hdr == nil {
		return "", "", fmt.Errorf("session: %d response missing %s", resp.StatusCode, challengeName)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return "", "", fmt.Errorf("session: parsing digest challenge: %w", err)
	}
	if creds.Realm != "" {
		chal.Realm = creds.Realm
	}

	username := creds.Username
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: creds.Password,
	})
	if err != nil {
		return "", "", fmt.Errorf("session: computing digest response: %w", err)
	}
	return credentialName, cred.String(), nil
}

// applyDigestAuthorization recomputes the Authorization/Proxy-Authorization
// header for a retried INVITE per the challenge in resp, per §6.1: "if
// Config.Credentials is set, the session computes one Authorization/
// Proxy-Authorization retry... and resends; a second 401/407 is a terminal
// AUTHENTICATION_ERROR".
func applyDigestAuthorization(retry *sip.Request, resp *sip.Response, originalReq *sip.Request, creds *Credentials) error {
	name, value, err := buildDigestAuthorization(resp, originalReq, creds)
	if err != nil {
		return err
	}
	retry.ReplaceHeader(sip.NewHeader(name, value))
	return nil
}
