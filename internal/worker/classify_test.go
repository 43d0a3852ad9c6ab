package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/dossier/internal/interfaces"
	"github.com/ternarybob/dossier/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantClass   models.ErrorClass
		wantRequeue bool
	}{
		{
			name:        "missing file is terminal",
			err:         fmt.Errorf("extract: %w", interfaces.ErrFileNotFound),
			wantClass:   models.ErrorClassPayload,
			wantRequeue: false,
		},
		{
			name:        "engine down retries",
			err:         fmt.Errorf("ocr engine paddle: %w", interfaces.ErrEngineUnavailable),
			wantClass:   models.ErrorClassResource,
			wantRequeue: true,
		},
		{
			name:        "broker down retries",
			err:         fmt.Errorf("enqueue: %w", interfaces.ErrBrokerUnavailable),
			wantClass:   models.ErrorClassTransient,
			wantRequeue: true,
		},
		{
			name:        "timeout retries",
			err:         context.DeadlineExceeded,
			wantClass:   models.ErrorClassStage,
			wantRequeue: true,
		},
		{
			name:        "cancellation retries",
			err:         context.Canceled,
			wantClass:   models.ErrorClassStage,
			wantRequeue: true,
		},
		{
			name:        "unknown handler error is terminal",
			err:         errors.New("malformed pdf structure"),
			wantClass:   models.ErrorClassStage,
			wantRequeue: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, requeue := Classify(tt.err)
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantRequeue, requeue)
		})
	}
}
