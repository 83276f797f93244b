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

	"github.com/aws/aws-sdk-go-v2/service/sfn"

	sdk "github.com/webordinary/edit-worker/pkg/aws"
)

// SFNBehavior must be reset between tests otherwise tests will
// pollute each other.
type SFNBehavior struct {
	SendTaskHeartbeatBehavior MockedFunction[sfn.SendTaskHeartbeatInput, sfn.SendTaskHeartbeatOutput]
	SendTaskSuccessBehavior   MockedFunction[sfn.SendTaskSuccessInput, sfn.SendTaskSuccessOutput]
	SendTaskFailureBehavior   MockedFunction[sfn.SendTaskFailureInput, sfn.SendTaskFailureOutput]
}

type SFNAPI struct {
	sdk.SFNAPI
	SFNBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *SFNAPI) Reset() {
	s.SendTaskHeartbeatBehavior.Reset()
	s.SendTaskSuccessBehavior.Reset()
	s.SendTaskFailureBehavior.Reset()
}

func (s *SFNAPI) SendTaskHeartbeat(_ context.Context, input *sfn.SendTaskHeartbeatInput, _ ...func(*sfn.Options)) (*sfn.SendTaskHeartbeatOutput, error) {
	return s.SendTaskHeartbeatBehavior.Invoke(input, func(_ *sfn.SendTaskHeartbeatInput) (*sfn.SendTaskHeartbeatOutput, error) {
		return &sfn.SendTaskHeartbeatOutput{}, nil
	})
}

func (s *SFNAPI) SendTaskSuccess(_ context.Context, input *sfn.SendTaskSuccessInput, _ ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	return s.SendTaskSuccessBehavior.Invoke(input, func(_ *sfn.SendTaskSuccessInput) (*sfn.SendTaskSuccessOutput, error) {
		return &sfn.SendTaskSuccessOutput{}, nil
	})
}

func (s *SFNAPI) SendTaskFailure(_ context.Context, input *sfn.SendTaskFailureInput, _ ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	return s.SendTaskFailureBehavior.Invoke(input, func(_ *sfn.SendTaskFailureInput) (*sfn.SendTaskFailureOutput, error) {
		return &sfn.SendTaskFailureOutput{}, nil
	})
}
