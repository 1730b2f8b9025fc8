package jupiter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoRoute means the router cannot fill the trade at this size: no
	// route, dust, below the minimum notional or a non-tradable token. It is
	// terminal for the attempt and moves the swap ladder to its next rung.
	ErrNoRoute = errors.New("jupiter: no viable route")
	// ErrRateLimited is returned once retries on 429/rate-limit responses are exhausted.
	ErrRateLimited = errors.New("jupiter: rate limited")
	// ErrCircuitOpen is returned while the circuit breaker is open.
	ErrCircuitOpen = errors.New("jupiter: circuit breaker open")
)

// APIError is a non-2xx router response.
type APIError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("jupiter: %s HTTP %d %s: %s", e.Endpoint, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("jupiter: %s HTTP %d: %s", e.Endpoint, e.Status, e.Message)
}

// Is matches ErrNoRoute and ErrRateLimited by error code and message.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNoRoute:
		return isNoRoute(e.Code, e.Message)
	case ErrRateLimited:
		return e.Status == 429 || (e.Status == 400 && isRateLimitBody(e.Code, e.Message))
	}
	return false
}

// Transient reports whether the request may succeed if repeated unchanged.
func (e *APIError) Transient() bool {
	return e.Status == 429 || e.Status >= 500 || (e.Status == 400 && isRateLimitBody(e.Code, e.Message))
}

var noRouteMarkers = []string{
	"could_not_find_any_route",
	"could not find any route",
	"no_routes_found",
	"no routes found",
	"route_not_found",
	"token_not_tradable",
	"not tradable",
	"circular_arbitrage_is_disabled",
	"cannot_compute_other_amount_threshold",
	"insufficient liquidity",
	"dust",
	"below minimum",
	"amount too small",
	"0x1788", // slippage tolerance exceeded (6024)
	"0x1771", // slippage tolerance exceeded (6001)
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota",
}

func isNoRoute(code, message string) bool {
	s := strings.ToLower(code + " " + message)
	for _, m := range noRouteMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isRateLimitBody(code, message string) bool {
	s := strings.ToLower(code + " " + message)
	for _, m := range rateLimitMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// parseAPIError builds an APIError from a router error body. Bodies look
// like {"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}.
func parseAPIError(endpoint string, status int, body []byte) *APIError {
	apiErr := &APIError{Endpoint: endpoint, Status: status}
	var payload struct {
		Error     string `json:"error"`
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.ErrorCode
		apiErr.Message = payload.Error
		if apiErr.Message == "" {
			apiErr.Message = payload.Message
		}
	}
	if apiErr.Message == "" {
		msg := string(body)
		if len(msg) > 256 {
			msg = msg[:256]
		}
		apiErr.Message = msg
	}
	return apiErr
}

// IsRouteUnavailable reports whether err means the router cannot fill the
// trade (as opposed to a transient or send-side failure).
func IsRouteUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoRoute) {
		return true
	}
	// Simulation failures surfaced by the RPC carry the same program codes.
	return isNoRoute("", err.Error())
}
