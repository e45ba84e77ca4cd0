package embeddings

import (
	"os"
	"testing"

	"github.com/objones25/ragcore/test/testutil"
)

func TestMain(m *testing.M) {
	testutil.InitTestLogger()
	os.Exit(m.Run())
}
