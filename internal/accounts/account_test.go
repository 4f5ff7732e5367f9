package accounts

import "testing"

func TestAccount_CheckSecret_Bcrypt(t *testing.T) {
	acc, err := NewAccountWithPlaintext("alice", "correct horse battery staple", RightGet)
	if err != nil {
		t.Fatalf("NewAccountWithPlaintext: %v", err)
	}

	if !acc.CheckSecret("correct horse battery staple") {
		t.Error("expected correct secret to verify")
	}
	if acc.CheckSecret("wrong password") {
		t.Error("expected wrong secret to fail")
	}
}

func TestAccount_CheckSecret_Cleartext(t *testing.T) {
	acc := NewServiceAccount("_worker-1-1", "abc123", RightGet)

	if !acc.CheckSecret("abc123") {
		t.Error("expected correct secret to verify")
	}
	if acc.CheckSecret("abc1234") {
		t.Error("expected wrong-length secret to fail")
	}
	if acc.CheckSecret("xyz789") {
		t.Error("expected wrong secret to fail")
	}
}

func TestRights_Has(t *testing.T) {
	r := RightGet | RightDetach
	if !r.Has(RightGet) {
		t.Error("expected RightGet")
	}
	if r.Has(RightClear) {
		t.Error("did not expect RightClear")
	}
	if !r.Has(RightGet | RightDetach) {
		t.Error("expected combined mask")
	}
}

func TestDatabase_AuthenticateAndLifecycle(t *testing.T) {
	db := NewDatabase()
	acc, err := NewAccountWithPlaintext("bob", "hunter2", RightInspectBasicInfo)
	if err != nil {
		t.Fatalf("NewAccountWithPlaintext: %v", err)
	}
	db.Add(acc)

	got, ok := db.Authenticate("bob", "hunter2")
	if !ok || got.Username() != "bob" {
		t.Fatalf("expected successful authentication, got ok=%v acc=%v", ok, got)
	}

	if _, ok := db.Authenticate("bob", "wrong"); ok {
		t.Error("expected authentication failure for wrong password")
	}
	if _, ok := db.Authenticate("nobody", "whatever"); ok {
		t.Error("expected authentication failure for unknown user")
	}

	db.Remove("bob")
	if _, ok := db.Lookup("bob"); ok {
		t.Error("expected account to be removed")
	}
}

func TestDatabase_ServiceAccountsAreUniqueAndRemovable(t *testing.T) {
	db := NewDatabase()

	acc1, err := db.NewServiceAccountForWorker("worker-0", RightGet)
	if err != nil {
		t.Fatalf("NewServiceAccountForWorker: %v", err)
	}
	acc2, err := db.NewServiceAccountForWorker("worker-0", RightGet)
	if err != nil {
		t.Fatalf("NewServiceAccountForWorker: %v", err)
	}

	if acc1.Username() == acc2.Username() {
		t.Fatalf("expected unique usernames, got %q twice", acc1.Username())
	}
	if db.Count() != 2 {
		t.Fatalf("expected 2 accounts, got %d", db.Count())
	}

	db.RemoveWorkerAccounts("worker-0")
	if db.Count() != 0 {
		t.Fatalf("expected accounts to be removed, got %d remaining", db.Count())
	}
}
