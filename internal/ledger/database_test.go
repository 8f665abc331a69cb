package ledger

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/expense"
)

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	newEntry := func(id, profileID string, category expense.Category, amount string) *ExpenseEntry {
		return &ExpenseEntry{
			ID:        id,
			ProfileID: profileID,
			Draft:     draftFor(category, amount),
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
	}

	Describe("SaveEntry", func() {
		var (
			entry *ExpenseEntry
			err   error
		)

		BeforeEach(func() {
			entry = newEntry("test-id", "profile-1", expense.CategoryOfficeSupplies, "42.99")
		})

		JustBeforeEach(func() {
			err = db.SaveEntry(entry)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should round trip the draft", func() {
			saved, getErr := db.GetEntry("test-id")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.ProfileID).To(Equal("profile-1"))
			Expect(saved.Draft.Merchant).To(Equal("Staples"))
			Expect(saved.Draft.Amount.Decimal.Equal(decimal.RequireFromString("42.99"))).To(BeTrue())
			Expect(saved.Draft.Category).To(Equal(expense.CategoryOfficeSupplies))
		})

		When("the entry moves to another profile", func() {
			JustBeforeEach(func() {
				moved := newEntry("test-id", "profile-2", expense.CategoryOfficeSupplies, "42.99")
				Expect(db.SaveEntry(moved)).To(Succeed())
			})

			It("should only be listed under the new profile", func() {
				old, err := db.ListByProfile("profile-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(old).To(BeEmpty())

				current, err := db.ListByProfile("profile-2")
				Expect(err).NotTo(HaveOccurred())
				Expect(current).To(HaveLen(1))
			})
		})
	})

	Describe("GetEntry", func() {
		When("entry does not exist", func() {
			It("should return an error", func() {
				entry, err := db.GetEntry("nonexistent")
				Expect(err).To(MatchError(errors.New("entry not found: nonexistent")))
				Expect(entry).To(BeNil())
			})
		})
	})

	Describe("ListByProfile", func() {
		BeforeEach(func() {
			Expect(db.SaveEntry(newEntry("b", "alice", expense.CategoryTravel, "10.00"))).To(Succeed())
			Expect(db.SaveEntry(newEntry("a", "alice", expense.CategoryTravel, "30.00"))).To(Succeed())
			Expect(db.SaveEntry(newEntry("c", "alicia", expense.CategoryTravel, "99.00"))).To(Succeed())
		})

		It("should list only that profile in ID order", func() {
			entries, err := db.ListByProfile("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].ID).To(Equal("a"))
			Expect(entries[1].ID).To(Equal("b"))
		})

		It("should list every profile from ListEntries", func() {
			entries, err := db.ListEntries()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
		})

		It("should return an empty list for an unknown profile", func() {
			entries, err := db.ListByProfile("bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("should average amounts per category", func() {
			averages, err := db.CategoryAverages("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(averages[expense.CategoryTravel].Equal(decimal.NewFromInt(20))).To(BeTrue())
		})
	})

	Describe("DeleteEntry", func() {
		BeforeEach(func() {
			Expect(db.SaveEntry(newEntry("gone", "alice", expense.CategoryTravel, "10.00"))).To(Succeed())
		})

		It("should remove the entry and its index", func() {
			Expect(db.DeleteEntry("gone")).To(Succeed())

			_, err := db.GetEntry("gone")
			Expect(err).To(HaveOccurred())
			entries, err := db.ListByProfile("alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("should ignore unknown IDs", func() {
			Expect(db.DeleteEntry("nonexistent")).To(Succeed())
		})
	})
})
