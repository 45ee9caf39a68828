// Package dynamofake is an in-memory DynamoDB double for tests. It stores
// items per table under their pk/sk pair and evaluates the condition,
// update and filter expressions this module emits, including transactional
// writes with per-item cancellation reasons.
package dynamofake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Fake implements the DynamoDB client surface the module uses.
type Fake struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func itemKey(item map[string]types.AttributeValue) (string, error) {
	pk, ok := item["pk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamofake: item without string pk")
	}
	sk, ok := item["sk"].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamofake: item without string sk")
	}
	return pk.Value + "\x00" + sk.Value, nil
}

func (f *Fake) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		f.tables[name] = t
	}
	return t
}

// Seed inserts an item without any condition check.
func (f *Fake) Seed(table string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, err := itemKey(item)
	if err != nil {
		panic(err)
	}
	f.table(table)[key] = copyItem(item)
}

// Item returns a stored item, or nil. The returned map is a copy.
func (f *Fake) Item(table, pk, sk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.table(table)[pk+"\x00"+sk]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Len returns the number of items in a table.
func (f *Fake) Len(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.table(table))
}

func (f *Fake) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.table(aws.ToString(params.TableName))[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *Fake) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.putLocked(aws.ToString(params.TableName), params.Item,
		params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *Fake) putLocked(table string, item map[string]types.AttributeValue, cond *string, names map[string]string, values map[string]types.AttributeValue) error {
	key, err := itemKey(item)
	if err != nil {
		return err
	}
	t := f.table(table)
	if cond != nil {
		ok, err := evalCondition(*cond, t[key], names, values)
		if err != nil {
			return err
		}
		if !ok {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	t[key] = copyItem(item)
	return nil
}

func (f *Fake) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.updateLocked(aws.ToString(params.TableName), params.Key,
		params.UpdateExpression, params.ConditionExpression,
		params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *Fake) updateLocked(table string, keyAttrs map[string]types.AttributeValue, update, cond *string, names map[string]string, values map[string]types.AttributeValue) error {
	key, err := itemKey(keyAttrs)
	if err != nil {
		return err
	}
	t := f.table(table)
	item := t[key]
	if cond != nil {
		ok, err := evalCondition(*cond, item, names, values)
		if err != nil {
			return err
		}
		if !ok {
			return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	if item == nil {
		item = copyItem(keyAttrs)
	} else {
		item = copyItem(item)
	}
	if update != nil {
		if err := applyUpdate(*update, item, names, values); err != nil {
			return err
		}
	}
	t[key] = item
	return nil
}

func (f *Fake) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.deleteLocked(aws.ToString(params.TableName), params.Key); err != nil {
		return nil, err
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *Fake) deleteLocked(table string, keyAttrs map[string]types.AttributeValue) error {
	key, err := itemKey(keyAttrs)
	if err != nil {
		return err
	}
	delete(f.table(table), key)
	return nil
}

func (f *Fake) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.KeyConditionExpression) != "pk = :pk" {
		return nil, fmt.Errorf("dynamofake: unsupported key condition %q", aws.ToString(params.KeyConditionExpression))
	}
	pkAttr, ok := params.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("dynamofake: missing :pk value")
	}

	var items []map[string]types.AttributeValue
	for _, item := range f.table(aws.ToString(params.TableName)) {
		if s, ok := item["pk"].(*types.AttributeValueMemberS); !ok || s.Value != pkAttr.Value {
			continue
		}
		if params.FilterExpression != nil {
			match, err := evalCondition(*params.FilterExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		items = append(items, copyItem(item))
	}
	sort.Slice(items, func(i, j int) bool {
		a := items[i]["sk"].(*types.AttributeValueMemberS).Value
		b := items[j]["sk"].(*types.AttributeValueMemberS).Value
		return a < b
	})

	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items))}, nil
}

func (f *Fake) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var items []map[string]types.AttributeValue
	for _, item := range f.table(aws.ToString(params.TableName)) {
		if params.FilterExpression != nil {
			match, err := evalCondition(*params.FilterExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		items = append(items, copyItem(item))
	}
	sort.Slice(items, func(i, j int) bool {
		a := items[i]["pk"].(*types.AttributeValueMemberS).Value
		b := items[j]["pk"].(*types.AttributeValueMemberS).Value
		return a < b
	})

	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items))}, nil
}

// TransactWriteItems evaluates every item's condition first; when any fails
// the whole transaction is cancelled with per-item reasons and nothing is
// written.
func (f *Fake) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false

	for i, item := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}

		var table string
		var cond *string
		var names map[string]string
		var values map[string]types.AttributeValue
		var current map[string]types.AttributeValue

		switch {
		case item.Put != nil:
			table = aws.ToString(item.Put.TableName)
			cond = item.Put.ConditionExpression
			names = item.Put.ExpressionAttributeNames
			values = item.Put.ExpressionAttributeValues
			key, err := itemKey(item.Put.Item)
			if err != nil {
				return nil, err
			}
			current = f.table(table)[key]
		case item.Update != nil:
			table = aws.ToString(item.Update.TableName)
			cond = item.Update.ConditionExpression
			names = item.Update.ExpressionAttributeNames
			values = item.Update.ExpressionAttributeValues
			key, err := itemKey(item.Update.Key)
			if err != nil {
				return nil, err
			}
			current = f.table(table)[key]
		case item.Delete != nil:
			table = aws.ToString(item.Delete.TableName)
			cond = item.Delete.ConditionExpression
			names = item.Delete.ExpressionAttributeNames
			values = item.Delete.ExpressionAttributeValues
			key, err := itemKey(item.Delete.Key)
			if err != nil {
				return nil, err
			}
			current = f.table(table)[key]
		case item.ConditionCheck != nil:
			table = aws.ToString(item.ConditionCheck.TableName)
			cond = item.ConditionCheck.ConditionExpression
			names = item.ConditionCheck.ExpressionAttributeNames
			values = item.ConditionCheck.ExpressionAttributeValues
			key, err := itemKey(item.ConditionCheck.Key)
			if err != nil {
				return nil, err
			}
			current = f.table(table)[key]
		default:
			return nil, fmt.Errorf("dynamofake: empty transact item")
		}

		if cond != nil {
			ok, err := evalCondition(*cond, current, names, values)
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i] = types.CancellationReason{
					Code:    aws.String("ConditionalCheckFailed"),
					Message: aws.String("The conditional request failed"),
				}
				failed = true
			}
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range params.TransactItems {
		switch {
		case item.Put != nil:
			if err := f.putLocked(aws.ToString(item.Put.TableName), item.Put.Item, nil, nil, nil); err != nil {
				return nil, err
			}
		case item.Update != nil:
			if err := f.updateLocked(aws.ToString(item.Update.TableName), item.Update.Key,
				item.Update.UpdateExpression, nil,
				item.Update.ExpressionAttributeNames, item.Update.ExpressionAttributeValues); err != nil {
				return nil, err
			}
		case item.Delete != nil:
			if err := f.deleteLocked(aws.ToString(item.Delete.TableName), item.Delete.Key); err != nil {
				return nil, err
			}
		}
	}

	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// applyUpdate interprets "SET a = :v, b = b + :one [REMOVE c, d]" update
// expressions against an item in place.
func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)

	var setPart, removePart string
	switch {
	case strings.HasPrefix(expr, "SET "):
		setPart = strings.TrimPrefix(expr, "SET ")
		if i := strings.Index(setPart, " REMOVE "); i >= 0 {
			removePart = setPart[i+len(" REMOVE "):]
			setPart = setPart[:i]
		}
	case strings.HasPrefix(expr, "REMOVE "):
		removePart = strings.TrimPrefix(expr, "REMOVE ")
	default:
		return fmt.Errorf("dynamofake: unsupported update expression %q", expr)
	}

	for _, clause := range splitClauses(setPart) {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("dynamofake: bad set clause %q", clause)
		}
		target := resolveName(strings.TrimSpace(parts[0]), names)
		rhs := strings.TrimSpace(parts[1])

		if i := strings.Index(rhs, "+"); i >= 0 {
			// "#attr + :delta" increments
			base := resolveName(strings.TrimSpace(rhs[:i]), names)
			delta, err := numberValue(values[strings.TrimSpace(rhs[i+1:])])
			if err != nil {
				return err
			}
			cur := int64(0)
			if n, ok := item[base].(*types.AttributeValueMemberN); ok {
				cur, _ = strconv.ParseInt(n.Value, 10, 64)
			}
			item[target] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+delta, 10)}
			continue
		}

		v, ok := values[rhs]
		if !ok {
			return fmt.Errorf("dynamofake: missing value %q", rhs)
		}
		item[target] = v
	}

	for _, clause := range splitClauses(removePart) {
		delete(item, resolveName(clause, names))
	}

	return nil
}

func splitClauses(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		if real, ok := names[token]; ok {
			return real
		}
	}
	return token
}

func numberValue(v types.AttributeValue) (int64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamofake: expected number value")
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

// evalCondition evaluates a condition or filter expression against an item.
// A nil item means the record does not exist.
func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	p := &parser{
		tokens: tokenize(expr),
		item:   item,
		names:  names,
		values: values,
	}
	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("dynamofake: %w in %q", err, expr)
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("dynamofake: trailing tokens in %q", expr)
	}
	return result, nil
}

type parser struct {
	tokens []string
	pos    int
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

func tokenize(expr string) []string {
	var tokens []string
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ':
			i++
		case c == '(' || c == ')' || c == '=' || c == '<' || c == '>':
			tokens = append(tokens, string(c))
			i++
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune(" ()=<>", rune(expr[j])) {
				j++
			}
			tokens = append(tokens, expr[i:j])
			i = j
		}
	}
	return tokens
}

func (p *parser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expect(token string) error {
	if got := p.next(); got != token {
		return fmt.Errorf("expected %q, got %q", token, got)
	}
	return nil
}

func (p *parser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.peek() == "OR" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *parser) parseAnd() (bool, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return false, err
	}
	for p.peek() == "AND" {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *parser) parsePrimary() (bool, error) {
	switch tok := p.next(); tok {
	case "(":
		result, err := p.parseOr()
		if err != nil {
			return false, err
		}
		return result, p.expect(")")
	case "attribute_exists", "attribute_not_exists":
		if err := p.expect("("); err != nil {
			return false, err
		}
		attr := resolveName(p.next(), p.names)
		if err := p.expect(")"); err != nil {
			return false, err
		}
		_, exists := p.item[attr]
		if tok == "attribute_exists" {
			return p.item != nil && exists, nil
		}
		return !exists, nil
	default:
		left, leftOK := p.operand(tok)
		op := p.next()
		right, rightOK := p.operand(p.next())
		switch op {
		case "=":
			return leftOK && rightOK && attrEqual(left, right), nil
		case "<", ">":
			if !leftOK || !rightOK {
				return false, nil
			}
			cmp, err := attrCompare(left, right)
			if err != nil {
				return false, err
			}
			if op == "<" {
				return cmp < 0, nil
			}
			return cmp > 0, nil
		default:
			return false, fmt.Errorf("unsupported operator %q", op)
		}
	}
}

// operand resolves a token to a value: placeholders from the value map,
// anything else as an item attribute.
func (p *parser) operand(token string) (types.AttributeValue, bool) {
	if strings.HasPrefix(token, ":") {
		v, ok := p.values[token]
		return v, ok
	}
	v, ok := p.item[resolveName(token, p.names)]
	return v, ok
}

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		an, aerr := strconv.ParseInt(av.Value, 10, 64)
		bn, berr := strconv.ParseInt(bv.Value, 10, 64)
		if aerr == nil && berr == nil {
			return an == bn
		}
		return av.Value == bv.Value
	default:
		return false
	}
}

func attrCompare(a, b types.AttributeValue) (int, error) {
	an, ok := a.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("expected number operand")
	}
	bn, ok := b.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("expected number operand")
	}
	ai, err := strconv.ParseInt(an.Value, 10, 64)
	if err != nil {
		return 0, err
	}
	bi, err := strconv.ParseInt(bn.Value, 10, 64)
	if err != nil {
		return 0, err
	}
	switch {
	case ai < bi:
		return -1, nil
	case ai > bi:
		return 1, nil
	default:
		return 0, nil
	}
}
