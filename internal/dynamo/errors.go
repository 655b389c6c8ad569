package dynamo

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"

	"github.com/wardenhq/warden/internal/rbac"
)

// Cancellation reason codes returned inside TransactionCanceledException.
const (
	reasonNone                = "None"
	reasonConditionFailed     = "ConditionalCheckFailed"
	reasonTransactionConflict = "TransactionConflict"
	reasonThrottling          = "ThrottlingError"
	reasonThroughputExceeded  = "ProvisionedThroughputExceeded"
)

// convertError maps DynamoDB API errors onto trace classes so callers never
// inspect AWS error strings.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return trace.AlreadyExists("%s", conditionFailed.ErrorMessage())
	}
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return trace.LimitExceeded("%s", throughput.ErrorMessage())
	}
	var requestLimit *types.RequestLimitExceeded
	if errors.As(err, &requestLimit) {
		return trace.LimitExceeded("%s", requestLimit.ErrorMessage())
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return trace.NotFound("%s", notFound.ErrorMessage())
	}
	var internal *types.InternalServerError
	if errors.As(err, &internal) {
		return trace.ConnectionProblem(err, "%s", internal.ErrorMessage())
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
		return trace.LimitExceeded("%s", apiErr.ErrorMessage())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return trace.Wrap(err)
}

// convertCancellation turns a cancelled transaction into either a
// *rbac.ConditionError (condition guards evaluated false) or a retryable /
// terminal error for everything else.
func convertCancellation(cancelled *types.TransactionCanceledException) error {
	var failed []int
	for i, reason := range cancelled.CancellationReasons {
		code := ""
		if reason.Code != nil {
			code = *reason.Code
		}
		switch code {
		case reasonNone, "":
		case reasonConditionFailed:
			failed = append(failed, i)
		case reasonTransactionConflict:
			return trace.CompareFailed("transaction conflict on item %d", i)
		case reasonThrottling, reasonThroughputExceeded:
			return trace.LimitExceeded("transaction throttled on item %d", i)
		default:
			return trace.BadParameter("transaction cancelled on item %d: %s", i, code)
		}
	}
	if len(failed) > 0 {
		return &rbac.ConditionError{Indices: failed}
	}
	return trace.Wrap(cancelled)
}

// isRetryable reports whether the adapter should retry the call inside its
// backoff budget: throttling and optimistic transaction conflicts only.
func isRetryable(err error) bool {
	return trace.IsLimitExceeded(err) || trace.IsCompareFailed(err)
}
