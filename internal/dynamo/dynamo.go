// Package dynamo implements the RBAC store on a single DynamoDB wide table
// keyed by (entityName, subjectName). All reads are strongly consistent and
// prefix-bounded by partition; no secondary indexes are used.
package dynamo

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"

	"github.com/wardenhq/warden/internal/rbac"
)

const (
	// keyEntity is the partition key attribute.
	keyEntity = "entityName"
	// keySubject is the sort key attribute.
	keySubject = "subjectName"

	// maxTransactItems is the DynamoDB transaction item limit.
	maxTransactItems = 100

	// callOverhead is subtracted from the request deadline for each store
	// call so the caller keeps budget to assemble its response.
	callOverhead = 100 * time.Millisecond

	// retryInitialInterval and retryMaxElapsed bound the throttling backoff.
	retryInitialInterval = 50 * time.Millisecond
	retryMaxElapsed      = 3 * time.Second
)

// Config holds the DynamoDB store settings from the `rbac` section.
type Config struct {
	// Region is the AWS region hosting the table.
	Region string
	// TableName is the wide table holding entities and assignments.
	TableName string
	// Endpoint optionally points at a non-AWS DynamoDB-compatible endpoint
	// (local development); when set, static dev credentials are used.
	Endpoint string
	// CreateTable creates the table at startup when it is missing.
	CreateTable bool
}

// CheckAndSetDefaults validates the configuration.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.TableName == "" {
		return trace.BadParameter("dynamodb: table_name is not specified")
	}
	if cfg.Region == "" && cfg.Endpoint == "" {
		return trace.BadParameter("dynamodb: region is not specified")
	}
	return nil
}

// apiClient is the slice of the DynamoDB API the store uses; the paginator
// interfaces keep it satisfiable by a fake in tests.
type apiClient interface {
	dynamodb.QueryAPIClient
	dynamodb.ScanAPIClient
	dynamodb.DescribeTableAPIClient
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Store implements rbac.Store on DynamoDB.
type Store struct {
	cfg Config
	svc apiClient
	log hclog.Logger
}

// item is the wire shape of one table row.
type item struct {
	Entity    string    `dynamodbav:"entityName"`
	Subject   string    `dynamodbav:"subjectName"`
	CreatedAt time.Time `dynamodbav:"createdAt,unixtime"`
}

// New connects to DynamoDB using the deployment's default credential chain
// and verifies the table is reachable, creating it when cfg.CreateTable is
// set.
func New(ctx context.Context, cfg Config, log hclog.Logger) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("dynamo")

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		// Local endpoints do not validate credentials but the SDK still
		// requires a provider.
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	svc := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	s := &Store{cfg: cfg, svc: svc, log: log}
	if err := s.ensureTable(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// GetItem implements rbac.Store with a strongly consistent read.
func (s *Store) GetItem(ctx context.Context, entity, subject string) (*rbac.Row, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	out, err := s.svc.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.TableName),
		Key:            itemKey(entity, subject),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, trace.Wrap(err)
	}
	row := rbac.Row(it)
	return &row, nil
}

// PutItemIfAbsent implements rbac.Store.
func (s *Store) PutItemIfAbsent(ctx context.Context, row rbac.Row) (bool, error) {
	av, err := attributevalue.MarshalMap(item(row))
	if err != nil {
		return false, trace.Wrap(err)
	}
	err = s.retry(ctx, func(ctx context.Context) error {
		_, err := s.svc.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.cfg.TableName),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(entityName)"),
		})
		return convertError(err)
	})
	if trace.IsAlreadyExists(err) {
		return false, nil
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// DeleteItem implements rbac.Store. Absence is reported, not an error.
func (s *Store) DeleteItem(ctx context.Context, entity, subject string) (bool, error) {
	var deleted bool
	err := s.retry(ctx, func(ctx context.Context) error {
		out, err := s.svc.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(s.cfg.TableName),
			Key:          itemKey(entity, subject),
			ReturnValues: types.ReturnValueAllOld,
		})
		if err != nil {
			return convertError(err)
		}
		deleted = len(out.Attributes) > 0
		return nil
	})
	return deleted, trace.Wrap(err)
}

// Rows implements rbac.Store: a strongly consistent, transparently paginated
// partition query, ascending by subject.
func (s *Store) Rows(ctx context.Context, entity, subjectPrefix string) iter.Seq2[rbac.Row, error] {
	return func(yield func(rbac.Row, error) bool) {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.cfg.TableName),
			ConsistentRead:         aws.Bool(true),
			ScanIndexForward:       aws.Bool(true),
			KeyConditionExpression: aws.String("entityName = :entity"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":entity": &types.AttributeValueMemberS{Value: entity},
			},
		}
		if subjectPrefix != "" {
			input.KeyConditionExpression = aws.String("entityName = :entity AND begins_with(subjectName, :prefix)")
			input.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{Value: subjectPrefix}
		}
		paginator := dynamodb.NewQueryPaginator(s.svc, input)
		for paginator.HasMorePages() {
			callCtx, cancel := s.callContext(ctx)
			page, err := paginator.NextPage(callCtx)
			cancel()
			if err != nil {
				yield(rbac.Row{}, trace.Wrap(convertError(err)))
				return
			}
			if !yieldItems(page.Items, yield) {
				return
			}
		}
	}
}

// Scan implements rbac.Store.
func (s *Store) Scan(ctx context.Context) iter.Seq2[rbac.Row, error] {
	return func(yield func(rbac.Row, error) bool) {
		paginator := dynamodb.NewScanPaginator(s.svc, &dynamodb.ScanInput{
			TableName:      aws.String(s.cfg.TableName),
			ConsistentRead: aws.Bool(true),
		})
		for paginator.HasMorePages() {
			callCtx, cancel := s.callContext(ctx)
			page, err := paginator.NextPage(callCtx)
			cancel()
			if err != nil {
				yield(rbac.Row{}, trace.Wrap(convertError(err)))
				return
			}
			if !yieldItems(page.Items, yield) {
				return
			}
		}
	}
}

// TransactWrite implements rbac.Store. Condition-cancelled transactions are
// returned as *rbac.ConditionError; transaction conflicts and throttling are
// retried inside the backoff budget.
func (s *Store) TransactWrite(ctx context.Context, ops []rbac.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > maxTransactItems {
		return trace.BadParameter("transaction exceeds %d items", maxTransactItems)
	}
	transactItems := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		ti, err := transactItem(s.cfg.TableName, op)
		if err != nil {
			return trace.Wrap(err)
		}
		transactItems = append(transactItems, ti)
	}
	err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.svc.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: transactItems,
		})
		if err == nil {
			return nil
		}
		var cancelled *types.TransactionCanceledException
		if errors.As(err, &cancelled) {
			return convertCancellation(cancelled)
		}
		return convertError(err)
	})
	return trace.Wrap(err)
}

// MaxTransactItems implements rbac.Store.
func (s *Store) MaxTransactItems() int {
	return maxTransactItems
}

// retry runs the call under a per-call deadline, retrying throttling and
// transaction conflicts with bounded exponential backoff. Once the budget is
// exhausted the last throttling error surfaces as LimitExceeded.
func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxElapsedTime = retryMaxElapsed
	return backoff.Retry(func() error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			s.log.Debug("retrying throttled call", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

// callContext derives the per-call deadline from the request deadline minus
// a small overhead budget.
func (s *Store) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	deadline = deadline.Add(-callOverhead)
	return context.WithDeadline(ctx, deadline)
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.svc.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.cfg.TableName),
	})
	err = convertError(err)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if !s.cfg.CreateTable {
		return trace.NotFound("dynamodb table %q does not exist", s.cfg.TableName)
	}
	return trace.Wrap(s.createTable(ctx))
}

func (s *Store) createTable(ctx context.Context) error {
	s.log.Info("creating dynamodb table", "table", s.cfg.TableName)
	_, err := s.svc.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.cfg.TableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(keyEntity), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(keySubject), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(keyEntity), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(keySubject), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	waiter := dynamodb.NewTableExistsWaiter(s.svc)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.cfg.TableName),
	}, 2*time.Minute)
	if err == nil {
		s.log.Info("dynamodb table created", "table", s.cfg.TableName)
	}
	return trace.Wrap(err)
}

func itemKey(entity, subject string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyEntity:  &types.AttributeValueMemberS{Value: entity},
		keySubject: &types.AttributeValueMemberS{Value: subject},
	}
}

// transactItem translates one WriteOp into its DynamoDB transaction item.
func transactItem(table string, op rbac.WriteOp) (types.TransactWriteItem, error) {
	var expr *string
	switch op.Condition {
	case rbac.CondAbsent:
		expr = aws.String("attribute_not_exists(entityName)")
	case rbac.CondExists:
		expr = aws.String("attribute_exists(entityName)")
	}

	switch op.Kind {
	case rbac.OpPut:
		av, err := attributevalue.MarshalMap(item(op.Row))
		if err != nil {
			return types.TransactWriteItem{}, trace.Wrap(err)
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(table),
			Item:                av,
			ConditionExpression: expr,
		}}, nil
	case rbac.OpDelete:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:           aws.String(table),
			Key:                 itemKey(op.Row.Entity, op.Row.Subject),
			ConditionExpression: expr,
		}}, nil
	case rbac.OpCheck:
		if expr == nil {
			return types.TransactWriteItem{}, trace.BadParameter("check op requires a condition")
		}
		return types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:           aws.String(table),
			Key:                 itemKey(op.Row.Entity, op.Row.Subject),
			ConditionExpression: expr,
		}}, nil
	default:
		return types.TransactWriteItem{}, trace.BadParameter("unknown op kind %v", op.Kind)
	}
}

func yieldItems(items []map[string]types.AttributeValue, yield func(rbac.Row, error) bool) bool {
	for _, raw := range items {
		var it item
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			return yield(rbac.Row{}, trace.Wrap(err))
		}
		if !yield(rbac.Row(it), nil) {
			return false
		}
	}
	return true
}
