package exchange

import (
	"errors"
	"fmt"

	apperrors "gridtrader/pkg/errors"

	"github.com/adshao/go-binance/v2/common"
)

// classifyError maps exchange API errors onto the shared error kinds so
// callers can branch with errors.Is instead of parsing codes.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		// Network-level failure; worth a retry.
		return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
	}

	switch apiErr.Code {
	case -1003, -1015: // too many requests, too many orders
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimited, apiErr.Message)
	case -1021, -1001, -1016: // timestamp drift, internal error, service shutting down
		return fmt.Errorf("%w: %s", apperrors.ErrTransient, apiErr.Message)
	case -2014, -2015, -1022: // bad API key, rejected key, bad signature
		return fmt.Errorf("%w: %s", apperrors.ErrAuth, apiErr.Message)
	case -2011, -2013: // unknown order, order does not exist
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, apiErr.Message)
	case -2010: // rejection; insufficient balance is the common cause
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case -1013: // filter failure (lot size, notional)
		return &apperrors.Validation{Field: "order", Message: apiErr.Message}
	default:
		return fmt.Errorf("exchange error %d: %s", apiErr.Code, apiErr.Message)
	}
}
