/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
)

// DynamoDBBehavior must be reset between tests otherwise tests will
// pollute each other.
type DynamoDBBehavior struct {
	PutItemBehavior    MockedFunction[dynamodb.PutItemInput, dynamodb.PutItemOutput]
	UpdateItemBehavior MockedFunction[dynamodb.UpdateItemInput, dynamodb.UpdateItemOutput]
	DeleteItemBehavior MockedFunction[dynamodb.DeleteItemInput, dynamodb.DeleteItemOutput]
	GetItemBehavior    MockedFunction[dynamodb.GetItemInput, dynamodb.GetItemOutput]
}

type DynamoDBAPI struct {
	sdk.DynamoDBAPI
	DynamoDBBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (d *DynamoDBAPI) Reset() {
	d.PutItemBehavior.Reset()
	d.UpdateItemBehavior.Reset()
	d.DeleteItemBehavior.Reset()
	d.GetItemBehavior.Reset()
}

func (d *DynamoDBAPI) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return d.PutItemBehavior.Invoke(input, func(_ *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return &dynamodb.PutItemOutput{}, nil
	})
}

func (d *DynamoDBAPI) UpdateItem(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return d.UpdateItemBehavior.Invoke(input, func(_ *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return &dynamodb.UpdateItemOutput{}, nil
	})
}

func (d *DynamoDBAPI) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return d.DeleteItemBehavior.Invoke(input, func(_ *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
		return &dynamodb.DeleteItemOutput{}, nil
	})
}

func (d *DynamoDBAPI) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return d.GetItemBehavior.Invoke(input, func(_ *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{}, nil
	})
}
