package embed

import (
	"context"
	"encoding/base64"
	"fmt"

	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultVertexModel is the multimodal embedding model used when none is
// configured.
const DefaultVertexModel = "multimodalembedding@001"

// predictor is the slice of the Vertex prediction client this package uses.
type predictor interface {
	Predict(ctx context.Context, req *aiplatformpb.PredictRequest, opts ...gax.CallOption) (*aiplatformpb.PredictResponse, error)
}

// VertexProvider embeds through the Vertex AI multimodal embedding model.
// One Predict call returns both modality vectors in a shared space.
type VertexProvider struct {
	client   predictor
	endpoint string
}

// NewVertexProvider builds a provider over an existing prediction client.
// model may be empty to use DefaultVertexModel.
func NewVertexProvider(client predictor, project, region, model string) *VertexProvider {
	if model == "" {
		model = DefaultVertexModel
	}

	return &VertexProvider{
		client: client,
		endpoint: fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s",
			project, region, model),
	}
}

func (p *VertexProvider) EmbedText(ctx context.Context, text string, _ ModelHint) ([]float32, error) {
	resp, err := p.predict(ctx, map[string]any{"text": text})
	if err != nil {
		return nil, err
	}

	vec, err := predictionVector(resp, "textEmbedding")
	if err != nil {
		return nil, err
	}

	return vec, nil
}

func (p *VertexProvider) EmbedMultimodal(ctx context.Context, text string, image []byte, _ ModelHint) ([]float32, error) {
	resp, err := p.predict(ctx, map[string]any{
		"text": text,
		"image": map[string]any{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(image),
		},
	})
	if err != nil {
		return nil, err
	}

	textVec, err := predictionVector(resp, "textEmbedding")
	if err != nil {
		return nil, err
	}

	imageVec, err := predictionVector(resp, "imageEmbedding")
	if err != nil {
		return nil, err
	}

	return Fuse(textVec, imageVec), nil
}

func (p *VertexProvider) predict(ctx context.Context, instance map[string]any) (*aiplatformpb.PredictResponse, error) {
	value, err := structpb.NewValue(instance)
	if err != nil {
		return nil, fmt.Errorf("embed: building instance: %w", err)
	}

	resp, err := p.client.Predict(ctx, &aiplatformpb.PredictRequest{
		Endpoint:  p.endpoint,
		Instances: []*structpb.Value{value},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: vertex predict: %w", err)
	}

	return resp, nil
}

// predictionVector extracts the named float list from the first prediction.
func predictionVector(resp *aiplatformpb.PredictResponse, field string) ([]float32, error) {
	if len(resp.GetPredictions()) == 0 {
		return nil, ErrEmptyEmbedding
	}

	fields := resp.GetPredictions()[0].GetStructValue().GetFields()

	list := fields[field].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrEmptyEmbedding, field)
	}

	vec := make([]float32, len(list.GetValues()))
	for k, v := range list.GetValues() {
		vec[k] = float32(v.GetNumberValue())
	}

	return vec, nil
}
