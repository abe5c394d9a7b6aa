package cloudinary

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlacementKeepsContentAddressedKeys(t *testing.T) {
	svc := &Service{folder: "sar"}

	folder, publicID := svc.placement("evidence/4f2a9c")
	require.Equal(t, "sar/evidence", folder)
	require.Equal(t, "4f2a9c", publicID)

	folder, publicID = svc.placement("/exports/naac-aqar/abc123.json")
	require.Equal(t, "sar/exports/naac-aqar", folder)
	require.Equal(t, "abc123.json", publicID)
}

func TestBuildPublicIDReplacesUnsafeRunes(t *testing.T) {
	require.Equal(t, "report-final.pdf", buildPublicID("report final.pdf"))
	require.NotEmpty(t, buildPublicID("///"))
}
