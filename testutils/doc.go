// Package testutils provides helpers shared by the test suites.
//
// Key components:
//   - FileBasedS3Mock: a disk-backed replacement for the MinIO client
//   - SetupTestDatabase: a PostgreSQL connection for integration tests,
//     skipped unless a database is configured
//
// Example usage:
//
//	mock, err := testutils.NewFileBasedS3Mock(t.TempDir())
//	require.NoError(t, err)
//	store := storage.NewWithClient(mock, "queue", "")
package testutils
