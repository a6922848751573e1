// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package constants

// PostgreSQL default values.
const (
	// DefaultPostgresUser is the default PostgreSQL superuser name.
	DefaultPostgresUser = "postgres"

	// DefaultPostgresDatabase is the default database that always exists in PostgreSQL.
	DefaultPostgresDatabase = "postgres"

	// PgCtlExecutable controls the server process.
	PgCtlExecutable = "pg_ctl"

	// PgControlDataExecutable prints the control file, including the
	// database system identifier.
	PgControlDataExecutable = "pg_controldata"

	// PgBaseBackupExecutable clones a data directory from a running server.
	PgBaseBackupExecutable = "pg_basebackup"
)
