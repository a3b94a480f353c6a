package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backend TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(backend, name)
);

CREATE TABLE IF NOT EXISTS contacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    external_id TEXT,
    first_name TEXT,
    last_name TEXT
);

CREATE TABLE IF NOT EXISTS email_addresses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    value TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS telephone_numbers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    value TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS contact_email_addresses (
    contact_id INTEGER NOT NULL REFERENCES contacts(id),
    address_id INTEGER NOT NULL REFERENCES email_addresses(id),
    UNIQUE(contact_id, address_id)
);

CREATE TABLE IF NOT EXISTS contact_telephone_numbers (
    contact_id INTEGER NOT NULL REFERENCES contacts(id),
    number_id INTEGER NOT NULL REFERENCES telephone_numbers(id),
    UNIQUE(contact_id, number_id)
);

CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    external_id TEXT,
    name TEXT,
    last_modified DATETIME,
    import_complete BOOLEAN DEFAULT false,
    import_errors BOOLEAN DEFAULT false,
    is_group_conversation BOOLEAN DEFAULT false
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations(id),
    external_id TEXT,
    sender_id INTEGER REFERENCES contacts(id),
    recipient_id INTEGER REFERENCES contacts(id),
    timestamp DATETIME NOT NULL,
    text TEXT NOT NULL,
    html TEXT,
    raw TEXT
);

CREATE INDEX IF NOT EXISTS idx_contacts_account ON contacts(account_id);
CREATE INDEX IF NOT EXISTS idx_contacts_external ON contacts(external_id);
CREATE INDEX IF NOT EXISTS idx_conversations_account ON conversations(account_id);
CREATE INDEX IF NOT EXISTS idx_conversations_external ON conversations(external_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_external ON messages(external_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

-- Composite index that speeds up ordered range queries within a single
-- conversation (resume cursors and context gathering around search hits).
CREATE INDEX IF NOT EXISTS idx_messages_conversation_timestamp ON messages(conversation_id, timestamp);
`
