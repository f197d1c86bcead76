package memory_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/taleweave/memoria/config"
	"github.com/taleweave/memoria/internal/mytesting"
	"github.com/taleweave/memoria/memory"
)

type EmbedderLiveTestSuite struct {
	mytesting.Suite
}

func (s *EmbedderLiveTestSuite) TestEmbedAgainstLiveService() {
	if os.Getenv("OPENAI_API_KEY") == "" {
		s.T().Skip("OPENAI_API_KEY is not set; skipping live embedding test")
	}

	conf := config.NewEmbeddingConfig()
	embedder, err := memory.NewOpenAIEmbedder(conf)
	s.Require().NoError(err)

	vectors, err := embedder.Embed(s.Context, "the dock at dawn", "the bridge at night")
	s.Require().NoError(err)
	s.Require().Len(vectors, 2)
	s.Len(vectors[0], conf.Dimension)
	s.NotEqual(vectors[0], vectors[1])
}

func TestEmbedderLive(t *testing.T) {
	suite.Run(t, new(EmbedderLiveTestSuite))
}
