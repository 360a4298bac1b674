package zendesk

import "time"

// Ticket is a Zendesk support ticket.
type Ticket struct {
	ID          int64     `json:"id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	RequesterID int64     `json:"requester_id,omitempty"`
	AssigneeID  int64     `json:"assignee_id,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Comment is a ticket comment.
type Comment struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"author_id,omitempty"`
	Body      string    `json:"body"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// User is a Zendesk user record.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TicketRequest describes a ticket to create.
type TicketRequest struct {
	Subject  string   `json:"subject"`
	Body     string   `json:"-"`
	Priority string   `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// SearchResponse holds results from the unified search endpoint. Result
// objects are heterogeneous (tickets, users, organizations), so they are
// kept as raw maps.
type SearchResponse struct {
	Results  []map[string]any `json:"results"`
	Count    int              `json:"count"`
	NextPage string           `json:"next_page,omitempty"`
}

type ticketEnvelope struct {
	Ticket Ticket `json:"ticket"`
}

type ticketsEnvelope struct {
	Tickets []Ticket `json:"tickets"`
	Count   int      `json:"count"`
}

type commentsEnvelope struct {
	Comments []Comment `json:"comments"`
}

type userEnvelope struct {
	User User `json:"user"`
}

type usersEnvelope struct {
	Users []User `json:"users"`
}
