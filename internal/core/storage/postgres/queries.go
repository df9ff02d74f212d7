package postgres

// SQL for the event log, reference data, derived state, and rollups.

const (
	// querySaveEvent inserts an accepted event with per-entity idempotency.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) for duplicates;
	// the RETURNING clause retrieves the auto-generated ingest_seq for
	// checkpoint cursor tracking.
	querySaveEvent = `
		INSERT INTO events (
			id, entity_id, entity_type, event_type, occurred_at, location,
			session_id, product_id, metadata, is_qualifying, is_activation,
			ingested_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (entity_id, id) DO NOTHING
		RETURNING ingest_seq
	`

	eventColumns = `
		id, entity_id, entity_type, event_type, occurred_at, location,
		session_id, product_id, metadata, is_qualifying, is_activation,
		ingested_at, ingest_seq
	`

	// queryRetrieveEventsAfterCursor pages the log in strict total order.
	// The monotonic ingest_seq prevents batch-boundary loss under
	// concurrent ingestion.
	queryRetrieveEventsAfterCursor = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE ingest_seq > $1
		ORDER BY ingest_seq ASC
		LIMIT $2
	`

	queryRetrieveEntityHistory = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE entity_id = $1
		  AND occurred_at <= $2
		ORDER BY occurred_at ASC, ingest_seq ASC
	`

	// queryRetrieveAccountHistory fetches the account's own events plus
	// those of every user belonging to it.
	queryRetrieveAccountHistory = `
		SELECT ` + eventColumns + `
		FROM events
		WHERE occurred_at <= $2
		  AND (entity_id = $1
		       OR entity_id IN (SELECT user_id FROM users WHERE account_id = $1))
		ORDER BY occurred_at ASC, ingest_seq ASC
	`

	querySaveQuarantined = `
		INSERT INTO quarantined_events (
			id, entity_id, entity_type, event_type, occurred_at,
			payload, reason, detail, quarantined_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	queryQuarantineCounts = `
		SELECT reason, COUNT(*)
		FROM quarantined_events
		GROUP BY reason
	`
)

// Reference data: users, products, accounts.
const (
	queryGetUser = `
		SELECT user_id, account_id, email, country, plan_type,
		       acquisition_source, created_at
		FROM users
		WHERE user_id = $1
	`

	queryListUsersByAccount = `
		SELECT user_id, account_id, email, country, plan_type,
		       acquisition_source, created_at
		FROM users
		WHERE account_id = $1
		ORDER BY user_id
	`

	querySaveUser = `
		INSERT INTO users (
			user_id, account_id, email, country, plan_type,
			acquisition_source, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			account_id         = EXCLUDED.account_id,
			email              = EXCLUDED.email,
			country            = EXCLUDED.country,
			plan_type          = EXCLUDED.plan_type,
			acquisition_source = EXCLUDED.acquisition_source
	`

	queryGetAccount = `
		SELECT account_id, name, subscription_tier, total_seats,
		       monthly_recurring_revenue, renewal_date, created_at
		FROM accounts
		WHERE account_id = $1
	`

	queryListAccounts = `
		SELECT account_id, name, subscription_tier, total_seats,
		       monthly_recurring_revenue, renewal_date, created_at
		FROM accounts
		ORDER BY account_id
	`

	querySaveAccount = `
		INSERT INTO accounts (
			account_id, name, subscription_tier, total_seats,
			monthly_recurring_revenue, renewal_date, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id) DO UPDATE SET
			name                      = EXCLUDED.name,
			subscription_tier         = EXCLUDED.subscription_tier,
			total_seats               = EXCLUDED.total_seats,
			monthly_recurring_revenue = EXCLUDED.monthly_recurring_revenue,
			renewal_date              = EXCLUDED.renewal_date
	`

	queryGetProduct = `
		SELECT product_id, name, tier, parent_id, active
		FROM products
		WHERE product_id = $1
	`

	queryListProducts = `
		SELECT product_id, name, tier, parent_id, active
		FROM products
		ORDER BY product_id
	`

	querySaveProduct = `
		INSERT INTO products (product_id, name, tier, parent_id, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id) DO UPDATE SET
			name      = EXCLUDED.name,
			tier      = EXCLUDED.tier,
			parent_id = EXCLUDED.parent_id,
			active    = EXCLUDED.active
	`

	queryUserExists    = `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`
	queryAccountExists = `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_id = $1)`
)

// Derived state and the transition log.
const (
	queryGetPlatformState = `
		SELECT user_id, state, dunning, state_since, last_qualifying_event_at,
		       total_qualifying_events, days_since_signup, triggering_event_id
		FROM user_platform_states
		WHERE user_id = $1
	`

	queryUpsertPlatformState = `
		INSERT INTO user_platform_states (
			user_id, state, dunning, state_since, last_qualifying_event_at,
			total_qualifying_events, days_since_signup, triggering_event_id,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			state                    = EXCLUDED.state,
			dunning                  = EXCLUDED.dunning,
			state_since              = EXCLUDED.state_since,
			last_qualifying_event_at = EXCLUDED.last_qualifying_event_at,
			total_qualifying_events  = EXCLUDED.total_qualifying_events,
			days_since_signup        = EXCLUDED.days_since_signup,
			triggering_event_id      = EXCLUDED.triggering_event_id,
			updated_at               = EXCLUDED.updated_at
	`

	queryGetProductStates = `
		SELECT user_id, product_id, state, state_since, first_access_at,
		       activation_at, last_qualifying_event_at, total_qualifying_events,
		       triggering_event_id
		FROM user_product_states
		WHERE user_id = $1
		ORDER BY product_id
	`

	queryUpsertProductState = `
		INSERT INTO user_product_states (
			user_id, product_id, state, state_since, first_access_at,
			activation_at, last_qualifying_event_at, total_qualifying_events,
			triggering_event_id, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, product_id) DO UPDATE SET
			state                    = EXCLUDED.state,
			state_since              = EXCLUDED.state_since,
			first_access_at          = EXCLUDED.first_access_at,
			activation_at            = EXCLUDED.activation_at,
			last_qualifying_event_at = EXCLUDED.last_qualifying_event_at,
			total_qualifying_events  = EXCLUDED.total_qualifying_events,
			triggering_event_id      = EXCLUDED.triggering_event_id,
			updated_at               = EXCLUDED.updated_at
	`

	queryGetAccountState = `
		SELECT account_id, state, dunning, health_score, seat_utilization,
		       product_breadth, recent_activity, contract_status, state_since
		FROM account_states
		WHERE account_id = $1
	`

	queryUpsertAccountState = `
		INSERT INTO account_states (
			account_id, state, dunning, health_score, seat_utilization,
			product_breadth, recent_activity, contract_status, state_since,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id) DO UPDATE SET
			state            = EXCLUDED.state,
			dunning          = EXCLUDED.dunning,
			health_score     = EXCLUDED.health_score,
			seat_utilization = EXCLUDED.seat_utilization,
			product_breadth  = EXCLUDED.product_breadth,
			recent_activity  = EXCLUDED.recent_activity,
			contract_status  = EXCLUDED.contract_status,
			state_since      = EXCLUDED.state_since,
			updated_at       = EXCLUDED.updated_at
	`

	// queryInsertTransition appends to the transition log. The natural-key
	// conflict target makes recompute idempotent: replaying a pass over the
	// same events re-derives the same transitions and inserts nothing new.
	queryInsertTransition = `
		INSERT INTO state_transitions (
			id, entity_type, entity_id, scope, from_state, to_state,
			occurred_at, triggering_event_id, days_in_previous, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entity_type, entity_id, scope, to_state, occurred_at)
		DO NOTHING
	`

	querySelectCheckpointForUpdate = `
		SELECT checkpoint_cursor
		FROM compute_checkpoints
		WHERE name = $1
		FOR UPDATE
	`

	queryInitCheckpointRow = `
		INSERT INTO compute_checkpoints (name, checkpoint_cursor, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (name) DO NOTHING
	`

	queryUpdateCheckpoint = `
		UPDATE compute_checkpoints
		SET checkpoint_cursor = $1, updated_at = $2
		WHERE name = $3
	`

	queryReadCheckpoint = `
		SELECT checkpoint_cursor FROM compute_checkpoints WHERE name = $1
	`

	queryResetCheckpoint = `
		UPDATE compute_checkpoints
		SET checkpoint_cursor = 0, updated_at = $1
		WHERE name = $2
	`
)

// Rollups over current state and the transition log. Empty-string filter
// parameters mean "any"; zero times mean unbounded.
const (
	queryListTransitions = `
		SELECT id, entity_type, entity_id, scope, from_state, to_state,
		       occurred_at, triggering_event_id, days_in_previous
		FROM state_transitions
		WHERE ($1 = '' OR entity_type = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3 = '' OR scope = $3)
		  AND ($4 = '' OR to_state = $4)
		  AND occurred_at > $5
		  AND occurred_at <= $6
		ORDER BY occurred_at DESC, id
		LIMIT $7
	`

	// queryCountPlatformStates rolls up user platform states, optionally
	// segmented by a user attribute.
	queryCountPlatformStates = `
		SELECT s.state,
		       CASE $1
		           WHEN 'plan_type' THEN COALESCE(u.plan_type, '')
		           WHEN 'country' THEN COALESCE(u.country, '')
		           WHEN 'acquisition_source' THEN COALESCE(u.acquisition_source, '')
		           ELSE ''
		       END AS segment,
		       COUNT(*)
		FROM user_platform_states s
		LEFT JOIN users u ON u.user_id = s.user_id
		GROUP BY 1, 2
		ORDER BY 1, 2
	`

	queryCountProductStates = `
		SELECT state, product_id, COUNT(*)
		FROM user_product_states
		GROUP BY 1, 2
		ORDER BY 1, 2
	`

	queryCountAccountStates = `
		SELECT s.state,
		       CASE $1
		           WHEN 'subscription_tier' THEN COALESCE(a.subscription_tier, '')
		           ELSE ''
		       END AS segment,
		       COUNT(*)
		FROM account_states s
		LEFT JOIN accounts a ON a.account_id = s.account_id
		GROUP BY 1, 2
		ORDER BY 1, 2
	`

	queryTransitionSeries = `
		SELECT date_trunc('day', occurred_at) AS day,
		       scope, from_state, to_state, COUNT(*)
		FROM state_transitions
		WHERE ($1 = '' OR scope = $1)
		  AND ($2 = '' OR to_state = $2)
		  AND occurred_at > $3
		  AND occurred_at <= $4
		GROUP BY 1, 2, 3, 4
		ORDER BY 1 ASC, 2, 3, 4
	`

	queryHealthByTier = `
		SELECT a.subscription_tier, COUNT(*), AVG(s.health_score)
		FROM account_states s
		JOIN accounts a ON a.account_id = s.account_id
		GROUP BY a.subscription_tier
		ORDER BY a.subscription_tier
	`
)
