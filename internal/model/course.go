package model

import "time"

// Course represents an exam course configuration.
// Kelas holds the class names allowed to take this course.
type Course struct {
	ID             int        `json:"id"`
	Nama           string     `json:"nama"`
	PengajarID     int        `json:"pengajar_id"`
	Kelas          []string   `json:"kelas"`
	TanggalMulai   time.Time  `json:"tanggal_mulai"`
	TanggalSelesai *time.Time `json:"tanggal_selesai,omitempty"`
	WaktuMenit     int        `json:"waktu_menit"`
	MaxPercobaan   int        `json:"max_percobaan"`
	TampilkanHasil bool       `json:"tampilkan_hasil"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DurationSeconds returns the full allotted exam time in seconds.
func (c *Course) DurationSeconds() int {
	return c.WaktuMenit * 60
}

// AccessDecision is the result of the exam entry gate. A denial is an
// expected outcome, not an error; Message is shown to the user as-is.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message"`
	Resume  bool   `json:"resume"`
}
