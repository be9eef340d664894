package minio

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
)

type ClientTestSuite struct {
	suite.Suite
	mockAPI *MockMinIOAPI
	client  *MinIOClient
}

func (s *ClientTestSuite) SetupTest() {
	s.mockAPI = new(MockMinIOAPI)
	s.client = newWithAPI(s.mockAPI, &MinIOConfig{}, logging.NewNopLogger())
}

func (s *ClientTestSuite) TestApplyDefaults() {
	cfg := &MinIOConfig{}
	applyDefaults(cfg)

	s.Equal("us-east-1", cfg.Region)
	s.Equal("mixprop-models", cfg.Bucket)
	s.Equal(int64(16*1024*1024), cfg.PartSize)
	s.Equal(7, cfg.StagingExpiryDays)
}

func (s *ClientTestSuite) TestEnsureBucket_Creates() {
	s.mockAPI.On("BucketExists", mock.Anything, "mixprop-models").Return(false, nil)
	s.mockAPI.On("MakeBucket", mock.Anything, "mixprop-models", minio.MakeBucketOptions{Region: "us-east-1"}).Return(nil)

	s.NoError(s.client.EnsureBucket(context.Background()))
	s.mockAPI.AssertExpectations(s.T())
}

func (s *ClientTestSuite) TestEnsureBucket_Exists() {
	s.mockAPI.On("BucketExists", mock.Anything, "mixprop-models").Return(true, nil)

	s.NoError(s.client.EnsureBucket(context.Background()))
	s.mockAPI.AssertNotCalled(s.T(), "MakeBucket", mock.Anything, mock.Anything, mock.Anything)
}

func (s *ClientTestSuite) TestEnsureBucket_Error() {
	s.mockAPI.On("BucketExists", mock.Anything, "mixprop-models").Return(false, errors.New("dial tcp"))
	s.Error(s.client.EnsureBucket(context.Background()))
}

func (s *ClientTestSuite) TestSetupLifecycle_StagingRule() {
	s.mockAPI.On("SetBucketLifecycle", mock.Anything, "mixprop-models", mock.MatchedBy(func(c *lifecycle.Configuration) bool {
		return len(c.Rules) == 1 && c.Rules[0].RuleFilter.Prefix == StagingPrefix && int(c.Rules[0].Expiration.Days) == 7
	})).Return(errors.New("not supported"))

	// failures are logged, not returned
	s.client.setupLifecycle(context.Background())
	s.mockAPI.AssertExpectations(s.T())
}

func (s *ClientTestSuite) TestHealthCheck() {
	s.mockAPI.On("ListBuckets", mock.Anything).Return([]minio.BucketInfo{{Name: "mixprop-models"}}, nil)
	s.mockAPI.On("BucketExists", mock.Anything, "mixprop-models").Return(true, nil)

	status, err := s.client.HealthCheck(context.Background())
	s.NoError(err)
	s.True(status.Healthy)
	s.True(status.BucketExists)
}

func (s *ClientTestSuite) TestHealthCheck_MissingBucket() {
	s.mockAPI.On("ListBuckets", mock.Anything).Return([]minio.BucketInfo{}, nil)
	s.mockAPI.On("BucketExists", mock.Anything, "mixprop-models").Return(false, nil)

	status, err := s.client.HealthCheck(context.Background())
	s.NoError(err)
	s.False(status.Healthy)
	s.Contains(status.Error, "mixprop-models")
}

func (s *ClientTestSuite) TestHealthCheck_Unreachable() {
	s.mockAPI.On("ListBuckets", mock.Anything).Return(nil, errors.New("refused"))

	status, err := s.client.HealthCheck(context.Background())
	s.Error(err)
	s.False(status.Healthy)
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}
